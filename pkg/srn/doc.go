// Package srn implements the Structured Resource Name, the identifier
// every aggregate and event payload uses:
//
//	urn:osa:{domain}:{kind}:{localId}[@{version}]
//
// Version rules depend on the kind: conventions, schemas and ontologies
// require a semantic version, records require a positive integer, and
// the remaining kinds forbid a version entirely.
package srn
