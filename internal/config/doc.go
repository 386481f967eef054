// Package config loads the server configuration from the environment.
//
// Two paths are required:
//   - GMAIL_CREDENTIALS_FILE: the OAuth client secret JSON downloaded from the
//     Google Cloud console
//   - GMAIL_TOKEN_FILE: where the obtained OAuth token is cached between runs
//
// A .env file in the working directory is loaded automatically if present.
package config
