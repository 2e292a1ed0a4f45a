// Package webhook turns signed HTTP webhooks into queued commands.
//
// Each endpoint maps a URL path to one command type. The raw request body
// becomes the command payload once its HMAC-SHA256 signature checks out
// against the endpoint secret.
//
// # Configuration
//
//	webhooks:
//	  listen: "127.0.0.1:8081"
//	  endpoints:
//	    - path: /webhook/deploy
//	      command_type: DeployCommand
//	      secret: ${DEPLOY_HOOK_SECRET}
//	      signature_header: X-Hub-Signature-256
//	      id_header: X-GitHub-Delivery
//	      callback_url: mqtt://results/deploy
//	      max_body_size: 1MB
//
// # Request Flow
//
//  1. Body read up to max_body_size (413 past it)
//  2. Signature header checked with sink.Verify (403 on any failure)
//  3. Command and message id taken from id_header, else generated
//  4. Message enqueued; 202 with the ids
//
// A redelivered webhook carrying the same id_header value is rejected
// with 409 while the original message is retained.
package webhook
