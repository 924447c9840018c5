// Package billingapi exposes the billing service over HTTP: provider webhook
// receivers, client-facing billing operations and the reconciliation trigger.
package billingapi
