// Package importer backfills historical purchases from CSV exports. Every row
// becomes a normalized payment event and goes through the same ingest path as
// a webhook delivery, so re-running an import is idempotent.
package importer

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
)

// DefaultConcurrency is the number of rows ingested in parallel.
const DefaultConcurrency = 4

var (
	// ErrMissingColumns is returned when the header lacks a required column
	ErrMissingColumns = errors.New("csv header is missing required columns")

	// ErrEmptyFile is returned when the input has no header row
	ErrEmptyFile = errors.New("csv file is empty")
)

// Ingester applies one payment event. *entitlement.Engine implements it.
type Ingester interface {
	Ingest(ctx context.Context, ev entitlement.NormalizedPaymentEvent) (*entitlement.IngestResult, error)
}

// Config configures an Importer.
type Config struct {
	// Ingester receives every valid row (required)
	Ingester Ingester

	// Provisioner, when set, creates an account for each row's email before
	// the row is ingested, so the purchase lands as an active entitlement
	// instead of a pending one.
	Provisioner entitlement.AccountProvisioner

	// DefaultSKU is used for rows without a product_sku
	DefaultSKU string

	// Concurrency bounds parallel row ingestion (default: 4)
	Concurrency int

	Logger entitlement.Logger
}

// Importer reads purchase CSVs.
type Importer struct {
	config   Config
	validate *validator.Validate
}

// Row is one CSV record.
type Row struct {
	Line          int    `json:"line"`
	Email         string `json:"email" validate:"required,email"`
	Provider      string `json:"provider" validate:"required"`
	Amount        string `json:"amount,omitempty"`
	Currency      string `json:"currency,omitempty"`
	Status        string `json:"status" validate:"required"`
	TransactionID string `json:"transaction_id" validate:"required"`
	PurchaseDate  string `json:"purchase_date,omitempty"`
	ProductSKU    string `json:"product_sku,omitempty"`

	// ParseError is set when the record could not be parsed as CSV.
	ParseError string `json:"-"`
}

// RowResult is the outcome of one row. Error is empty on success.
type RowResult struct {
	Line          int                       `json:"line"`
	Email         string                    `json:"email,omitempty"`
	TransactionID string                    `json:"transaction_id,omitempty"`
	SKU           string                    `json:"sku,omitempty"`
	Outcome       entitlement.IngestOutcome `json:"outcome,omitempty"`
	Error         string                    `json:"error,omitempty"`
}

// Report summarizes an import. Rows are in file order.
type Report struct {
	Rows      []RowResult `json:"rows"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
}

var requiredColumns = []string{"email", "provider", "transaction_id", "status"}

// statusAliases maps spellings found in provider exports to event statuses.
var statusAliases = map[string]entitlement.EventStatus{
	"completed": entitlement.EventPaid,
	"succeeded": entitlement.EventPaid,
	"success":   entitlement.EventPaid,
	"refund":    entitlement.EventRefunded,
	"canceled":  entitlement.EventCancelled,
	"dispute":   entitlement.EventChargeback,
	"disputed":  entitlement.EventChargeback,
	"trialing":  entitlement.EventTrial,
}

var dateLayouts = []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05", "01/02/2006"}

// New creates an importer.
func New(config Config) (*Importer, error) {
	if config.Ingester == nil {
		return nil, errors.New("importer: ingester is required")
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}
	config.DefaultSKU = strings.TrimSpace(config.DefaultSKU)

	return &Importer{
		config:   config,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// Import reads a CSV with a header row and ingests every record. Row-level
// problems are reported in the Report; an error is returned only when the
// file itself cannot be read.
func (i *Importer) Import(ctx context.Context, r io.Reader) (*Report, error) {
	rows, err := ReadRows(r)
	if err != nil {
		return nil, err
	}

	results := make([]RowResult, len(rows))
	g := new(errgroup.Group)
	g.SetLimit(i.config.Concurrency)
	for idx, row := range rows {
		g.Go(func() error {
			results[idx] = i.importRow(ctx, row)
			return nil
		})
	}
	//nolint:errcheck // row goroutines never fail
	_ = g.Wait()

	report := &Report{Rows: results}
	for _, res := range results {
		if res.Error == "" {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}

	i.config.Logger.Info("purchase import finished",
		entitlement.Field{Key: "rows", Value: len(results)},
		entitlement.Field{Key: "succeeded", Value: report.Succeeded},
		entitlement.Field{Key: "failed", Value: report.Failed},
	)
	return report, nil
}

func (i *Importer) importRow(ctx context.Context, row Row) RowResult {
	res := RowResult{Line: row.Line, Email: row.Email, TransactionID: row.TransactionID}

	ev, err := i.toEvent(row)
	if err != nil {
		res.Error = err.Error()
		i.config.Logger.Warn("skipping invalid import row",
			entitlement.Field{Key: "line", Value: row.Line},
			entitlement.Field{Key: "error", Value: res.Error},
		)
		return res
	}
	res.Email = ev.PurchaserEmail

	if i.config.Provisioner != nil {
		if _, err := i.config.Provisioner.ProvisionAccount(ctx, ev.PurchaserEmail); err != nil {
			res.Error = fmt.Sprintf("provision account: %v", err)
			return res
		}
	}

	out, err := i.config.Ingester.Ingest(ctx, ev)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Outcome = out.Outcome
	res.SKU = out.SKU
	return res
}

func (i *Importer) toEvent(row Row) (entitlement.NormalizedPaymentEvent, error) {
	if row.ParseError != "" {
		return entitlement.NormalizedPaymentEvent{}, fmt.Errorf("%w: malformed csv record: %s", entitlement.ErrInvalidEvent, row.ParseError)
	}
	if err := i.validate.Struct(row); err != nil {
		return entitlement.NormalizedPaymentEvent{}, validationError(err)
	}

	provider, err := entitlement.ParseProvider(row.Provider)
	if err != nil {
		return entitlement.NormalizedPaymentEvent{}, err
	}
	status, err := parseStatus(row.Status)
	if err != nil {
		return entitlement.NormalizedPaymentEvent{}, err
	}
	amount, err := entitlement.ParseAmountCents(row.Amount)
	if err != nil {
		return entitlement.NormalizedPaymentEvent{}, err
	}
	occurredAt, err := parseDate(row.PurchaseDate)
	if err != nil {
		return entitlement.NormalizedPaymentEvent{}, err
	}

	sku := strings.TrimSpace(row.ProductSKU)
	if sku == "" {
		sku = i.config.DefaultSKU
	}
	txn := strings.TrimSpace(row.TransactionID)

	raw, err := json.Marshal(row)
	if err != nil {
		return entitlement.NormalizedPaymentEvent{}, err
	}

	return entitlement.NormalizedPaymentEvent{
		Provider:        provider,
		ProviderEventID: "import:" + txn + ":" + string(status),
		ProviderOrderID: txn,
		EventType:       "import",
		PurchaserEmail:  row.Email,
		SKU:             sku,
		AmountCents:     amount,
		Currency:        row.Currency,
		Status:          status,
		OccurredAt:      occurredAt,
		Raw:             raw,
		Metadata:        map[string]any{"import_line": row.Line},
	}.Normalize(), nil
}

func parseStatus(s string) (entitlement.EventStatus, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if status, ok := statusAliases[s]; ok {
		return status, nil
	}
	status := entitlement.EventStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", entitlement.ErrInvalidEvent, s)
	}
	return status, nil
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognized purchase_date %q", entitlement.ErrInvalidEvent, s)
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", columnName(fe.Field()), fe.Tag()))
	}
	return fmt.Errorf("%w: invalid fields: %s", entitlement.ErrInvalidEvent, strings.Join(fields, ", "))
}

func columnName(field string) string {
	switch field {
	case "TransactionID":
		return "transaction_id"
	case "ProductSKU":
		return "product_sku"
	case "PurchaseDate":
		return "purchase_date"
	default:
		return strings.ToLower(field)
	}
}

// ReadRows parses a CSV with a header row. Column names are matched
// case-insensitively and may appear in any order; unknown columns are ignored.
func ReadRows(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyFile
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}

	index := make(map[string]int, len(header))
	for pos, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		index[name] = pos
	}
	var missing []string
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}

	var rows []Row
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			// The reader resumes after the malformed record.
			rows = append(rows, Row{Line: parseErr.StartLine, ParseError: parseErr.Err.Error()})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv: %w", err)
		}
		if blank(record) {
			continue
		}
		line, _ := reader.FieldPos(0)

		get := func(col string) string {
			pos, ok := index[col]
			if !ok || pos >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[pos])
		}
		rows = append(rows, Row{
			Line:          line,
			Email:         get("email"),
			Provider:      get("provider"),
			Amount:        get("amount"),
			Currency:      get("currency"),
			Status:        get("status"),
			TransactionID: get("transaction_id"),
			PurchaseDate:  get("purchase_date"),
			ProductSKU:    get("product_sku"),
		})
	}
	return rows, nil
}

func blank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
