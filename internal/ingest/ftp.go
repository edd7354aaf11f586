package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
)

// csvHeader is the column layout of a POS outcome export.
var csvHeader = []string{"venue_id", "business_date", "covers_count", "revenue"}

// FTPClient collects outcome CSV exports dropped on an FTP server.
type FTPClient struct {
	host     string
	user     string
	password string
	dir      string
}

func NewFTPClient(host, user, password, dir string) *FTPClient {
	if user == "" {
		user = "anonymous"
		password = "anonymous"
	}
	if dir == "" {
		dir = "/"
	}
	return &FTPClient{host: host, user: user, password: password, dir: dir}
}

// RemoteFile is one downloaded export.
type RemoteFile struct {
	Path string
	Body []byte
}

// FetchExports downloads every .csv file in the export directory, in name
// order.
func (c *FTPClient) FetchExports(ctx context.Context) ([]RemoteFile, error) {
	conn, err := ftp.Dial(c.host, ftp.DialWithTimeout(30*time.Second), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("ftp dial: %w", err)
	}
	defer conn.Quit()

	if err := conn.Login(c.user, c.password); err != nil {
		return nil, fmt.Errorf("ftp login: %w", err)
	}

	names, err := conn.NameList(c.dir)
	if err != nil {
		return nil, fmt.Errorf("ftp list %s: %w", c.dir, err)
	}
	sort.Strings(names)

	var files []RemoteFile
	for _, name := range names {
		if !strings.EqualFold(path.Ext(name), ".csv") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return files, err
		}
		p := name
		if !strings.HasPrefix(p, "/") {
			p = path.Join(c.dir, path.Base(name))
		}

		resp, err := conn.Retr(p)
		if err != nil {
			return files, fmt.Errorf("ftp retr %s: %w", p, err)
		}
		body, err := io.ReadAll(resp)
		resp.Close()
		if err != nil {
			return files, fmt.Errorf("read %s: %w", p, err)
		}
		files = append(files, RemoteFile{Path: p, Body: body})
	}
	return files, nil
}

// ParseOutcomeCSV reads a POS export. The header must match csvHeader; a row
// whose covers_count is not an integer is returned with a parse error
// rather than failing the file.
func ParseOutcomeCSV(r io.Reader) ([]OutcomeRecord, []error, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(csvHeader)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	for i, col := range csvHeader {
		if !strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff")), col) {
			return nil, nil, fmt.Errorf("unexpected header %q, want %s", strings.Join(header, ","), strings.Join(csvHeader, ","))
		}
	}

	var records []OutcomeRecord
	var rowErrs []error
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				rowErrs = append(rowErrs, err)
				continue
			}
			return records, rowErrs, err
		}

		covers, err := strconv.Atoi(strings.TrimSpace(row[2]))
		if err != nil {
			rowErrs = append(rowErrs, fmt.Errorf("line %d: covers_count %q: %w", line, row[2], err))
			continue
		}
		records = append(records, OutcomeRecord{
			VenueID:      row[0],
			BusinessDate: row[1],
			CoversCount:  covers,
			Revenue:      row[3],
		})
	}
	return records, rowErrs, nil
}
