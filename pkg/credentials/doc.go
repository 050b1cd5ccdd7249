// Package credentials exchanges end-user credentials for an access token bundle
// using the application client's password grant.
package credentials
