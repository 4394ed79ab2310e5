// Package middleware holds the HTTP middleware shared by gaekit services:
// request ids, Cloud Logging aware access logs, recovery, CORS, rate
// limiting, metrics and the guards that verify App Engine cron, Cloud Tasks
// and IAP/OIDC callers.
package middleware
