// Kestrel - Claim decisions you can audit.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

// Command kestrel adjudicates health-insurance pre-authorization claims.
//
// Usage:
//
//	kestrel serve --config kestrel.yaml
//	kestrel validate configs/policy.yaml
//	kestrel evaluate claim.json --policy configs/policy.yaml
//	kestrel bench --csv claims.csv --url http://localhost:8080
//	kestrel version
package main

func main() {
	Execute()
}
