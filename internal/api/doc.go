// Package api exposes the REST surface of ChainSentry: command execution,
// agent task submission, background job management, action discovery and
// chain-event webhooks.
package api
