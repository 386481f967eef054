// Package google handles OAuth2 authentication against the Google APIs.
//
// It loads the OAuth client secret and cached token from configured file
// paths, silently refreshes expired tokens, and falls back to the
// interactive authorization-code flow (local callback listener plus system
// browser) when no usable token exists. The token cache file is rewritten
// after every successful authorization or refresh.
package google
