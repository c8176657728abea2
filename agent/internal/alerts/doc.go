// Package alerts raises outage alerts when a service transitions into FAILED.
// Each alert carries the impacted set (the failing service plus everything
// downstream of it) and the watchers whose services fall inside that set.
// Alerts are delivered to Teams, Slack, email gateways or generic HTTP
// webhooks and, when configured, published on a NATS subject.
package alerts
