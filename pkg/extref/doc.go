// Package extref encodes the link between a local account and an upstream HR
// platform account.
//
// A reference is stored as a single string "{domain_url}|{remote_id}", where the
// domain is the upstream tenant's base URL and the remote id is the upstream user
// id. Either half may be empty when the integration is only partially configured.
package extref
