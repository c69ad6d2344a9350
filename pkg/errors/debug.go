package errors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stripe/stripe-go/v84"
)

// ErrorDump flattens an error chain into log fields. Only the layers present
// in the chain are filled: database errors from the record store, processor
// errors from the billing gateway.
type ErrorDump struct {
	TopMessage string `json:"top_message"`
	Code       Code   `json:"code,omitempty"`

	Chain []string `json:"chain,omitempty"`

	PGCode       string `json:"pg_code,omitempty"`
	PGConstraint string `json:"pg_constraint,omitempty"`
	PGTable      string `json:"pg_table,omitempty"`
	PGDetail     string `json:"pg_detail,omitempty"`

	ProcessorType        string `json:"processor_type,omitempty"`
	ProcessorCode        string `json:"processor_code,omitempty"`
	ProcessorDecline     string `json:"processor_decline_code,omitempty"`
	ProcessorRequestID   string `json:"processor_request_id,omitempty"`
	ProcessorHTTPStatus  int    `json:"processor_http_status,omitempty"`
	ProcessorParam       string `json:"processor_param,omitempty"`
	ProcessorUnconfirmed bool   `json:"processor_unconfirmed,omitempty"`
}

func Dump(err error) ErrorDump {
	if err == nil {
		return ErrorDump{}
	}

	d := ErrorDump{TopMessage: err.Error()}
	if te := As(err); te != nil {
		d.Code = te.Code()
		d.ProcessorUnconfirmed = te.Code() == CodeOutcomeUnknown
	}

	for e := err; e != nil; e = errors.Unwrap(e) {
		d.Chain = append(d.Chain, fmt.Sprintf("%T: %v", e, e))
	}

	var pgxErr *pgconn.PgError
	var pqErr *pq.Error
	switch {
	case errors.As(err, &pgxErr):
		d.PGCode = pgxErr.Code
		d.PGConstraint = pgxErr.ConstraintName
		d.PGTable = pgxErr.TableName
		d.PGDetail = pgxErr.Detail
	case errors.As(err, &pqErr):
		d.PGCode = string(pqErr.Code)
		d.PGConstraint = pqErr.Constraint
		d.PGTable = pqErr.Table
		d.PGDetail = pqErr.Detail
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		d.ProcessorType = string(stripeErr.Type)
		d.ProcessorCode = string(stripeErr.Code)
		d.ProcessorDecline = string(stripeErr.DeclineCode)
		d.ProcessorRequestID = stripeErr.RequestID
		d.ProcessorHTTPStatus = stripeErr.HTTPStatusCode
		d.ProcessorParam = stripeErr.Param
	}

	return d
}

// Fields renders the non-empty parts of the dump as logger fields.
func (d ErrorDump) Fields() map[string]any {
	fields := map[string]any{
		"error":       d.TopMessage,
		"error_code":  d.Code,
		"error_chain": d.Chain,
	}
	put := func(key, value string) {
		if value != "" {
			fields[key] = value
		}
	}
	put("pg_code", d.PGCode)
	put("pg_constraint", d.PGConstraint)
	put("pg_table", d.PGTable)
	put("pg_detail", d.PGDetail)
	put("processor_type", d.ProcessorType)
	put("processor_code", d.ProcessorCode)
	put("processor_decline_code", d.ProcessorDecline)
	put("processor_request_id", d.ProcessorRequestID)
	put("processor_param", d.ProcessorParam)
	if d.ProcessorHTTPStatus != 0 {
		fields["processor_http_status"] = d.ProcessorHTTPStatus
	}
	if d.ProcessorUnconfirmed {
		fields["processor_unconfirmed"] = true
	}
	return fields
}
