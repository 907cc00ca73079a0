// Package webhook serves the WeChat Official Account callback endpoint.
//
// A single configured path handles both request kinds the platform sends:
//
//	GET  {path}?signature=&timestamp=&nonce=&echostr=   ownership handshake
//	POST {path}?signature=&timestamp=&nonce=            message exchange
//
// # Security Model
//
// - Every request is verified against the shared token before anything else
// - An empty token rejects all traffic
// - Rejections are a bare 403 with no diagnostic body
// - The POST body is not read until the signature verifies
// - Request logging excludes bodies and query strings
//
// # Message Flow
//
//  1. Signature verified (403 on mismatch)
//  2. Body read up to max_body_size (413 if larger)
//  3. Zero-length body acknowledged with an empty 200
//  4. XML parsed (400 with an empty body if malformed)
//  5. Reply content decided by the configured reply.Strategy
//  6. Swapped text reply written as 200 application/xml
//  7. Exchange recorded to the journal, when one is configured
//
// The server also answers GET /healthz and, with metrics enabled, GET /metrics.
//
// # Example Usage
//
//	cfg, err := webhook.FromGlobalConfig(globalCfg)
//	if err != nil {
//		return err
//	}
//	server := webhook.New(cfg, globalCfg.WeChat.Token, strategy, logger,
//		webhook.WithMetrics(m),
//		webhook.WithJournal(journal),
//	)
//	if err := server.Start(ctx); err != nil {
//		return err
//	}
package webhook
