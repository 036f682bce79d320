// Package core contains the credential pool domain: credentials and their
// capability policy, the token refresh protocol, admission contracts,
// credential selection and the background refresh scheduler. Storage,
// transport and metrics adapters depend on this package, never the reverse.
package core
