package google

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"wedplan/internal/core"
	"wedplan/internal/log"
	ports "wedplan/internal/sheets"
)

// Ledger sheet columns: date, owner, category, amount, spent after, item id.
const (
	columnCount  = 6
	itemIDColumn = "F"
	dateLayout   = "2006-01-02"
)

type Client struct {
	svc           *gsheet.Service
	spreadsheetID string
	sheetName     string
	logger        *log.Logger
}

var (
	_ ports.LedgerWriter = (*Client)(nil)
	_ ports.LedgerReader = (*Client)(nil)
)

type Options struct {
	SpreadsheetID   string
	SheetName       string
	CredentialsJSON []byte
	Logger          *log.Logger
}

// New creates a Sheets client authenticated with service account
// credentials. Extra client options are appended after the defaults.
func New(ctx context.Context, opts Options, extra ...goption.ClientOption) (*Client, error) {
	if strings.TrimSpace(opts.SpreadsheetID) == "" {
		return nil, errors.New("missing spreadsheet id")
	}
	if len(opts.CredentialsJSON) == 0 && len(extra) == 0 {
		return nil, errors.New("missing service account credentials")
	}

	svc, err := newSheetsService(ctx, opts.CredentialsJSON, extra...)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	return NewWithService(svc, opts.SpreadsheetID, opts.SheetName, opts.Logger), nil
}

// NewWithService wraps an already configured Sheets service.
func NewWithService(svc *gsheet.Service, spreadsheetID, sheetName string, logger *log.Logger) *Client {
	if sheetName == "" {
		sheetName = "Ledger"
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &Client{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		logger:        logger.WithComponent(log.ComponentSheets),
	}
}

// newSheetsService authenticates with service account credentials over a
// pooled HTTP client.
func newSheetsService(ctx context.Context, credentialsJSON []byte, extra ...goption.ClientOption) (*gsheet.Service, error) {
	var opts []goption.ClientOption
	if len(credentialsJSON) > 0 {
		creds, err := googleoauth.CredentialsFromJSON(ctx, credentialsJSON, gsheet.SpreadsheetsScope)
		if err != nil {
			return nil, fmt.Errorf("parse service account credentials: %w", err)
		}
		base := context.WithValue(context.Background(), oauth2.HTTPClient, NewHTTPClientWithPooling())
		opts = append(opts, goption.WithHTTPClient(oauth2.NewClient(base, creds.TokenSource)))
	}
	opts = append(opts, extra...)

	service, err := gsheet.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return service, nil
}

// NewHTTPClientWithPooling returns an HTTP client tuned for the Sheets API:
// pooled keep-alive connections and bounded timeouts.
func NewHTTPClientWithPooling() *http.Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   60 * time.Second,
	}
}

func euros(m core.Money) float64 {
	return float64(m.Cents) / 100.0
}

// AppendEntry appends a ledger row and returns the updated range.
func (c *Client) AppendEntry(ctx context.Context, e core.LedgerEntry) (string, error) {
	if err := ports.ValidateEntry(e); err != nil {
		return "", fmt.Errorf("validation failed: %w", err)
	}
	if c.svc == nil {
		return "", errors.New("sheets service not initialized")
	}

	row := []any{
		e.RecordedAt.UTC().Format(dateLayout),
		e.Owner,
		e.CategoryName,
		euros(e.Amount),
		euros(e.SpentAfter),
		strconv.FormatInt(e.ItemID, 10),
	}
	rng := fmt.Sprintf("%s!A:%s", c.sheetName, itemIDColumn)
	vr := &gsheet.ValueRange{Values: [][]any{row}}

	resp, err := c.svc.Spreadsheets.Values.Append(c.spreadsheetID, rng, vr).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("append to sheet %s: %w", c.sheetName, err)
	}

	ref := rng
	if resp.Updates != nil && resp.Updates.UpdatedRange != "" {
		ref = resp.Updates.UpdatedRange
	}
	c.logger.DebugContext(ctx, "Appended ledger row", log.FieldItemID, e.ItemID, log.FieldSheetsRef, ref)
	return ref, nil
}

// ExportedItems reads the item id column so a restarted worker does not
// append the same line item twice.
func (c *Client) ExportedItems(ctx context.Context) (map[int64]string, error) {
	if c.svc == nil {
		return nil, errors.New("sheets service not initialized")
	}
	rng := fmt.Sprintf("%s!%s:%s", c.sheetName, itemIDColumn, itemIDColumn)
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rng, err)
	}
	out := make(map[int64]string, len(resp.Values))
	for i, r := range resp.Values {
		if len(r) == 0 {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSpace(fmt.Sprint(r[0])), 10, 64)
		if err != nil || id <= 0 {
			// header or hand-edited row
			continue
		}
		out[id] = fmt.Sprintf("%s!A%d:%s%d", c.sheetName, i+1, itemIDColumn, i+1)
	}
	return out, nil
}
