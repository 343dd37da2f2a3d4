package decision

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func layerProblem(l domain.LayerResult) string {
	return fmt.Sprintf("%s %s: %s", l.Layer, l.Status, strings.Join(l.Reasons, "; "))
}

func ruleReasons(l domain.LayerResult) []string {
	if l.Status != domain.StatusOK || l.Coverage == nil {
		return []string{layerProblem(l)}
	}

	out := make([]string, 0, len(l.Coverage.Items))
	for _, item := range l.Coverage.Items {
		if item.RuleID == "" {
			out = append(out, fmt.Sprintf("item %d (%s): no matching rule, %s", item.ItemIndex, item.ServiceCode, item.Action))
			continue
		}
		line := fmt.Sprintf("item %d (%s): %s by rule %s", item.ItemIndex, item.ServiceCode, item.Action, item.RuleID)
		if item.Critical {
			line += " [critical]"
		}
		out = append(out, line)
	}
	return out
}

func fraudReasons(l domain.LayerResult) []string {
	if l.Status != domain.StatusOK || l.Fraud == nil {
		return []string{layerProblem(l)}
	}

	out := make([]string, 0, len(l.Fraud.RedFlags)+1)
	for _, f := range l.Fraud.RedFlags {
		out = append(out, fmt.Sprintf("red flag %s: %s %.2f >= %.2f (contribution %.3f)",
			f.RuleID, f.Pattern, f.Metric, f.Threshold, f.Contribution))
	}
	out = append(out, fmt.Sprintf("fraud score %.3f (%s)", l.Score, l.Fraud.RiskLevel))
	return out
}

func riskReasons(l domain.LayerResult) []string {
	if l.Risk == nil {
		return []string{layerProblem(l)}
	}

	out := make([]string, 0, len(l.Risk.Drivers)+2)
	for _, d := range l.Risk.Drivers {
		out = append(out, fmt.Sprintf("risk driver %s: %s %.3f x %.2f = %.3f",
			d.ParameterID, d.Factor, d.SubScore, d.Weight, d.Contribution))
	}
	out = append(out, fmt.Sprintf("amount at risk %.2f of %.2f (coverage probability %.2f), risk score %.3f (%s)",
		l.Risk.AmountAtRisk, l.Risk.BilledTotal, l.Risk.CoverageProbability, l.Score, l.Risk.RiskLevel))
	if l.Status != domain.StatusOK {
		out = append(out, layerProblem(l))
	}
	return out
}
