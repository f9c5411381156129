package parser

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"packet-policy-engine/internal/model"

	_ "github.com/go-sql-driver/mysql"
)

const DefaultTable = "fw_rule"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// MariaDBSource loads rule records from a table with the columns
// direction, protocol, port and ip_address. Rows are read in id order, which
// is the order rules are applied in.
type MariaDBSource struct {
	db    *sql.DB
	table string
}

func NewMariaDBSource(dsn, table string) (*MariaDBSource, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid rule table name %q", table)
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &MariaDBSource{db: db, table: table}, nil
}

func (s *MariaDBSource) Close() error {
	return s.db.Close()
}

func (s *MariaDBSource) Load(ctx context.Context) ([]model.RuleRecord, error) {
	query := fmt.Sprintf("SELECT id, direction, protocol, port, ip_address FROM %s ORDER BY id ASC", s.table)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var records []model.RuleRecord
	for rows.Next() {
		var id int64
		var rec model.RuleRecord
		if err := rows.Scan(&id, &rec.Direction, &rec.Protocol, &rec.Port, &rec.Address); err != nil {
			return nil, fmt.Errorf("failed to scan rule row: %w", err)
		}
		rec.Source = fmt.Sprintf("%s#%d", s.table, id)
		records = append(records, ResolveServices(rec)...)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}
	return records, nil
}
