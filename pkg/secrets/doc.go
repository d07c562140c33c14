// Package secrets resolves ${secret:name} references in credential fields
// of the configuration.
//
// Alert channel tokens, the SMTP password and the policy repository token
// can be written as references instead of literal values:
//
//	alerts:
//	  gotify:
//	    url: https://gotify.home.arpa
//	    token: ${secret:gotify-token}
//
// A reference is looked up in the configured secrets directory first (one
// file per secret, mode 0600 or 0400) and then in the environment, where
// "gotify-token" becomes WARDEN_SECRET_GOTIFY_TOKEN. Resolution happens once
// when the configuration is loaded.
package secrets
