package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	goauth "golang.org/x/oauth2/google"
	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"pesa/internal/core"
	ports "pesa/internal/sheets"
)

// Ledger sheet layout: one row per entry, columns A..G.
var header = []any{"ID", "Date", "Time", "Counterpart", "Kind", "Amount", "Signed"}

var _ ports.EntryWriter = (*Client)(nil)

// Config selects the spreadsheet and the credentials used to reach it.
// Service account credentials take precedence over an OAuth client.
type Config struct {
	SpreadsheetID string
	SheetName     string
	Location      *time.Location

	ServiceAccountJSON string
	ServiceAccountFile string

	OAuthClientJSON string
	OAuthClientFile string
	OAuthTokenJSON  string
	OAuthTokenFile  string
}

// Client mirrors ledger entries into a Google Sheet.
type Client struct {
	svc           *gsheet.Service
	spreadsheetID string
	sheetName     string
	loc           *time.Location

	// appendMu keeps the read-then-write of AppendEntry from racing itself.
	appendMu sync.Mutex
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	spreadsheetID := strings.TrimSpace(cfg.SpreadsheetID)
	if spreadsheetID == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}
	sheetName := strings.TrimSpace(cfg.SheetName)
	if sheetName == "" {
		sheetName = "Ledger"
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}

	svc, err := newSheetsService(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}

	return &Client{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		loc:           loc,
	}, nil
}

// newSheetsService authenticates with a service account when one is given,
// otherwise with a stored OAuth user token.
func newSheetsService(ctx context.Context, cfg Config) (*gsheet.Service, error) {
	// Requests made by the token source and the API share the pooled client.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, newHTTPClientWithPooling())

	var httpClient *http.Client

	saJSON, err := readSecret(cfg.ServiceAccountJSON, cfg.ServiceAccountFile)
	if err != nil {
		return nil, fmt.Errorf("read service account: %w", err)
	}

	switch {
	case len(saJSON) > 0:
		slog.InfoContext(ctx, "Using service account credentials", "credentials_size", len(saJSON))
		creds, err := goauth.CredentialsFromJSON(ctx, saJSON, gsheet.SpreadsheetsScope)
		if err != nil {
			return nil, fmt.Errorf("service account credentials: %w", err)
		}
		httpClient = oauth2.NewClient(ctx, creds.TokenSource)

	case strings.TrimSpace(cfg.OAuthClientJSON) != "" || strings.TrimSpace(cfg.OAuthClientFile) != "":
		clientJSON, err := readSecret(cfg.OAuthClientJSON, cfg.OAuthClientFile)
		if err != nil {
			return nil, fmt.Errorf("read oauth client: %w", err)
		}
		oauthCfg, err := goauth.ConfigFromJSON(clientJSON, gsheet.SpreadsheetsScope)
		if err != nil {
			return nil, fmt.Errorf("oauth config: %w", err)
		}

		tokenJSON, err := readSecret(cfg.OAuthTokenJSON, cfg.OAuthTokenFile)
		if err != nil {
			return nil, fmt.Errorf("read oauth token: %w", err)
		}
		if len(tokenJSON) == 0 {
			return nil, errors.New("missing oauth token (set GOOGLE_OAUTH_TOKEN_JSON or GOOGLE_OAUTH_TOKEN_FILE)")
		}
		var tok oauth2.Token
		if err := json.Unmarshal(tokenJSON, &tok); err != nil {
			return nil, fmt.Errorf("parse oauth token: %w", err)
		}

		slog.InfoContext(ctx, "Using OAuth user credentials")
		httpClient = oauthCfg.Client(ctx, &tok)

	default:
		return nil, errors.New("missing sheets credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE or GOOGLE_OAUTH_CLIENT_JSON)")
	}

	service, err := gsheet.NewService(ctx, goption.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return service, nil
}

// readSecret returns inline when set, otherwise the contents of file. Both
// empty yields nil.
func readSecret(inline, file string) ([]byte, error) {
	if s := strings.TrimSpace(inline); s != "" {
		return []byte(s), nil
	}
	if file = strings.TrimSpace(file); file != "" {
		return os.ReadFile(file)
	}
	return nil, nil
}

// newHTTPClientWithPooling returns an HTTP client tuned for repeated calls to
// the Sheets API.
func newHTTPClientWithPooling() *http.Client {
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

// AppendEntry writes e to the next empty row. If a row with the same ID is
// already present its reference is returned and nothing is written, so
// redelivered events do not duplicate rows.
func (c *Client) AppendEntry(ctx context.Context, e core.LedgerEntry) (string, error) {
	if err := e.Validate(); err != nil {
		return "", fmt.Errorf("validation failed: %w", err)
	}
	if c.svc == nil {
		return "", errors.New("sheets service not initialized")
	}

	c.appendMu.Lock()
	defer c.appendMu.Unlock()

	rng := fmt.Sprintf("%s!A:A", c.sheetName)
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("read ids from %s: %w", c.sheetName, err)
	}

	if row := findRow(resp.Values, e.ID); row > 0 {
		slog.DebugContext(ctx, "Ledger entry already in sheet", "id", e.ID, "row", row)
		return c.rowRef(row), nil
	}

	var values [][]any
	nextRow := len(resp.Values) + 1
	if nextRow == 1 {
		values = append(values, header)
		nextRow = 2
	}
	values = append(values, rowFor(e, c.loc))

	startRow := nextRow - len(values) + 1
	dataRange := fmt.Sprintf("%s!A%d:G%d", c.sheetName, startRow, nextRow)
	_, err = c.svc.Spreadsheets.Values.Update(c.spreadsheetID, dataRange, &gsheet.ValueRange{Values: values}).
		ValueInputOption("USER_ENTERED").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("write %s: %w", dataRange, err)
	}

	slog.InfoContext(ctx, "Ledger entry mirrored to sheet",
		"id", e.ID,
		"sheet", c.sheetName,
		"row", nextRow)
	return c.rowRef(nextRow), nil
}

func (c *Client) rowRef(row int) string {
	return fmt.Sprintf("%s!A%d:G%d", c.sheetName, row, row)
}

// rowFor renders e as sheet cells. Amounts are plain decimals so the sheet
// parses them as numbers; Signed is negative for deductions.
func rowFor(e core.LedgerEntry, loc *time.Location) []any {
	t := e.Time(loc)
	signed := e.Amount.String()
	if e.Kind == core.KindDeduction {
		signed = "-" + signed
	}
	return []any{
		e.ID,
		t.Format("2006-01-02"),
		t.Format("15:04:05"),
		e.Counterpart,
		string(e.Kind),
		e.Amount.String(),
		signed,
	}
}

// findRow returns the 1-based row whose first cell is id, or 0.
func findRow(values [][]any, id int64) int {
	want := strconv.FormatInt(id, 10)
	for i, row := range values {
		if len(row) == 0 {
			continue
		}
		if strings.TrimSpace(fmt.Sprint(row[0])) == want {
			return i + 1
		}
	}
	return 0
}
