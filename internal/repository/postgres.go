// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mkossov/retainerflow/internal/model"
	"github.com/mkossov/retainerflow/internal/pipeline"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrDealNotFound возвращается, если сделка не найдена.
var (
	ErrDealNotFound = errors.New("deal not found")
	// ErrInvoiceNotFound возвращается, если счёт не найден.
	ErrInvoiceNotFound = errors.New("invoice not found")
	// ErrStaleStage возвращается, когда условное обновление этапа не изменило
	// ни одной строки: представление вызывающей стороны устарело.
	ErrStaleStage = errors.New("deal stage changed concurrently")
	// ErrStaleInvoiceStatus возвращается при конкурентном изменении статуса счёта.
	ErrStaleInvoiceStatus = errors.New("invoice status changed concurrently")
	// ErrDuplicateInvoiceNumber возвращается при вставке счёта с занятым номером.
	ErrDuplicateInvoiceNumber = errors.New("invoice number already exists")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи имеют смысл для Serialization Failure и Deadlock.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func toCents(d decimal.Decimal) int64 {
	return d.Round(2).Mul(decimal.NewFromInt(100)).IntPart()
}

func fromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

func linkColumn(t model.InvoiceType) (string, error) {
	switch t {
	case model.InvoiceTypeLawyer:
		return "invoice_id", nil
	case model.InvoiceTypePublisher:
		return "publisher_invoice_id", nil
	}
	return "", fmt.Errorf("unknown invoice type %q", t)
}

func stageLabels() []string {
	stages := pipeline.Stages()
	labels := make([]string, 0, len(stages))
	for _, s := range stages {
		labels = append(labels, s.Label)
	}
	return labels
}

// GetDeals возвращает сделки, находящиеся в воронке расчётов.
// Для роли lawyer передаётся lawyerID — выборка сужается до его сделок.
func (r *PostgresRepository) GetDeals(ctx context.Context, lawyerID *uuid.UUID) ([]model.Deal, error) {
	query := `SELECT id, submission_id, insured_name, phone, lead_source, status,
	                 lawyer_id, center_id, face_amount, invoice_id, publisher_invoice_id,
	                 created_at, updated_at
	          FROM deals
	          WHERE status = ANY($1)`
	args := []any{stageLabels()}

	if lawyerID != nil {
		query += ` AND lawyer_id = $2`
		args = append(args, *lawyerID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select deals: %w", err)
	}
	defer rows.Close()

	var deals []model.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		deals = append(deals, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return deals, nil
}

// GetDealByID возвращает сделку по идентификатору.
func (r *PostgresRepository) GetDealByID(ctx context.Context, dealID uuid.UUID) (*model.Deal, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, submission_id, insured_name, phone, lead_source, status,
		        lawyer_id, center_id, face_amount, invoice_id, publisher_invoice_id,
		        created_at, updated_at
		 FROM deals
		 WHERE id = $1`,
		dealID,
	)
	if err != nil {
		return nil, fmt.Errorf("select deal: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("rows error: %w", err)
		}
		return nil, ErrDealNotFound
	}

	d, err := scanDeal(rows)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func scanDeal(rows pgx.Rows) (model.Deal, error) {
	var (
		d          model.Deal
		faceAmount int64
	)
	err := rows.Scan(
		&d.ID, &d.SubmissionID, &d.InsuredName, &d.Phone, &d.LeadSource, &d.Status,
		&d.LawyerID, &d.CenterID, &faceAmount, &d.InvoiceID, &d.PublisherInvoiceID,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return model.Deal{}, fmt.Errorf("scan deal: %w", err)
	}
	d.FaceAmount = fromCents(faceAmount)
	return d, nil
}

// UpdateDealStage переводит сделку на новый этап при условии, что текущий
// этап совпадает с ожидаемым. Ноль изменённых строк означает, что сделку
// уже изменил кто-то другой.
func (r *PostgresRepository) UpdateDealStage(ctx context.Context, dealID uuid.UUID, oldStatus, newStatus string) error {
	return r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE deals SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`,
			dealID, oldStatus, newStatus,
		)
		if err != nil {
			return fmt.Errorf("update deal stage: %w", err)
		}

		if cmdTag.RowsAffected() == 0 {
			return fmt.Errorf("%w: deal %s, expected stage %q", ErrStaleStage, dealID, oldStatus)
		}

		return nil
	})
}

// CountInvoicesForYear возвращает число счетов, выпущенных за указанный год.
// Используется схемой нумерации count-then-use.
func (r *PostgresRepository) CountInvoicesForYear(ctx context.Context, year int) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM invoices WHERE number LIKE $1`,
		fmt.Sprintf("INV-%d-%%", year),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count invoices: %w", err)
	}
	return count, nil
}

// CreateInvoice сохраняет счёт вместе со строками в одной транзакции.
func (r *PostgresRepository) CreateInvoice(ctx context.Context, inv *model.Invoice) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	taxRate, _ := inv.TaxRate.Float64()

	_, err = tx.Exec(ctx,
		`INSERT INTO invoices (id, number, type, counterparty_id, subtotal, tax_rate,
		                       tax_amount, total_amount, status, period_from, period_to, due_date)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		inv.ID, inv.Number, string(inv.Type), inv.CounterpartyID,
		toCents(inv.Subtotal), taxRate, toCents(inv.TaxAmount), toCents(inv.TotalAmount),
		string(inv.Status), inv.PeriodFrom, inv.PeriodTo, inv.DueDate,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicateInvoiceNumber, inv.Number)
		}
		return fmt.Errorf("insert invoice: %w", err)
	}

	if err := insertLineItems(ctx, tx, inv.ID, inv.Items); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// UpdateInvoice перезаписывает счёт и его строки в одной транзакции.
// Привязки сделок этим методом не трогаются: порядок
// unlink -> update -> link контролирует сервисный слой.
func (r *PostgresRepository) UpdateInvoice(ctx context.Context, inv *model.Invoice) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	taxRate, _ := inv.TaxRate.Float64()

	cmdTag, err := tx.Exec(ctx,
		`UPDATE invoices
		 SET counterparty_id = $2, subtotal = $3, tax_rate = $4, tax_amount = $5,
		     total_amount = $6, period_from = $7, period_to = $8, due_date = $9,
		     updated_at = now()
		 WHERE id = $1`,
		inv.ID, inv.CounterpartyID, toCents(inv.Subtotal), taxRate,
		toCents(inv.TaxAmount), toCents(inv.TotalAmount),
		inv.PeriodFrom, inv.PeriodTo, inv.DueDate,
	)
	if err != nil {
		return fmt.Errorf("update invoice: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrInvoiceNotFound, inv.ID)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM invoice_line_items WHERE invoice_id = $1`, inv.ID); err != nil {
		return fmt.Errorf("delete line items: %w", err)
	}

	if err := insertLineItems(ctx, tx, inv.ID, inv.Items); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

func insertLineItems(ctx context.Context, tx pgx.Tx, invoiceID uuid.UUID, items []model.LineItem) error {
	for i, it := range items {
		qty, _ := it.Quantity.Float64()
		_, err := tx.Exec(ctx,
			`INSERT INTO invoice_line_items (invoice_id, position, description, quantity, unit_price, amount)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			invoiceID, i, it.Description, qty, toCents(it.UnitPrice), toCents(it.Amount),
		)
		if err != nil {
			return fmt.Errorf("insert line item: %w", err)
		}
	}
	return nil
}

// UpdateInvoiceStatus меняет статус счёта при условии совпадения текущего статуса.
func (r *PostgresRepository) UpdateInvoiceStatus(ctx context.Context, invoiceID uuid.UUID, oldStatus, newStatus model.InvoiceStatus) error {
	return r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE invoices SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`,
			invoiceID, string(oldStatus), string(newStatus),
		)
		if err != nil {
			return fmt.Errorf("update invoice status: %w", err)
		}

		if cmdTag.RowsAffected() == 0 {
			return fmt.Errorf("%w: invoice %s, expected status %q", ErrStaleInvoiceStatus, invoiceID, oldStatus)
		}

		return nil
	})
}

// GetInvoiceByID возвращает счёт со строками и привязанными сделками.
func (r *PostgresRepository) GetInvoiceByID(ctx context.Context, invoiceID uuid.UUID) (*model.Invoice, error) {
	inv, err := r.scanInvoiceRow(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	items, err := r.lineItemsFor(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	inv.Items = items

	dealIDs, err := r.dealIDsFor(ctx, invoiceID, inv.Type)
	if err != nil {
		return nil, err
	}
	inv.DealIDs = dealIDs

	return inv, nil
}

func (r *PostgresRepository) scanInvoiceRow(ctx context.Context, invoiceID uuid.UUID) (*model.Invoice, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, number, type, counterparty_id, subtotal, tax_rate, tax_amount,
		        total_amount, status, period_from, period_to, due_date, created_at, updated_at
		 FROM invoices
		 WHERE id = $1`,
		invoiceID,
	)

	inv, err := scanInvoice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("get invoice: %w", err)
	}
	return inv, nil
}

func scanInvoice(row pgx.Row) (*model.Invoice, error) {
	var (
		inv                             model.Invoice
		typ, status                     string
		subtotal, taxAmount, totalCents int64
		taxRate                         float64
	)
	err := row.Scan(
		&inv.ID, &inv.Number, &typ, &inv.CounterpartyID, &subtotal, &taxRate, &taxAmount,
		&totalCents, &status, &inv.PeriodFrom, &inv.PeriodTo, &inv.DueDate,
		&inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	inv.Type = model.InvoiceType(typ)
	inv.Status = model.InvoiceStatus(status)
	inv.Subtotal = fromCents(subtotal)
	inv.TaxRate = decimal.NewFromFloat(taxRate)
	inv.TaxAmount = fromCents(taxAmount)
	inv.TotalAmount = fromCents(totalCents)
	return &inv, nil
}

func (r *PostgresRepository) lineItemsFor(ctx context.Context, invoiceID uuid.UUID) ([]model.LineItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT description, quantity, unit_price, amount
		 FROM invoice_line_items
		 WHERE invoice_id = $1
		 ORDER BY position`,
		invoiceID,
	)
	if err != nil {
		return nil, fmt.Errorf("select line items: %w", err)
	}
	defer rows.Close()

	var items []model.LineItem
	for rows.Next() {
		var (
			it                     model.LineItem
			qty                    float64
			unitPrice, amountCents int64
		)
		if err := rows.Scan(&it.Description, &qty, &unitPrice, &amountCents); err != nil {
			return nil, fmt.Errorf("scan line item: %w", err)
		}
		it.Quantity = decimal.NewFromFloat(qty)
		it.UnitPrice = fromCents(unitPrice)
		it.Amount = fromCents(amountCents)
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

func (r *PostgresRepository) dealIDsFor(ctx context.Context, invoiceID uuid.UUID, t model.InvoiceType) ([]uuid.UUID, error) {
	col, err := linkColumn(t)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx,
		fmt.Sprintf(`SELECT id FROM deals WHERE %s = $1 ORDER BY created_at`, col),
		invoiceID,
	)
	if err != nil {
		return nil, fmt.Errorf("select linked deals: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan deal id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return ids, nil
}

// GetInvoices возвращает счета указанного типа, новые первыми.
func (r *PostgresRepository) GetInvoices(ctx context.Context, t model.InvoiceType) ([]model.Invoice, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, number, type, counterparty_id, subtotal, tax_rate, tax_amount,
		        total_amount, status, period_from, period_to, due_date, created_at, updated_at
		 FROM invoices
		 WHERE type = $1
		 ORDER BY created_at DESC`,
		string(t),
	)
	if err != nil {
		return nil, fmt.Errorf("select invoices: %w", err)
	}
	defer rows.Close()

	var invoices []model.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		invoices = append(invoices, *inv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return invoices, nil
}

// LinkDeals проставляет ссылку на счёт в колонке, соответствующей типу счёта.
// Сделки, уже привязанные к другому счёту того же типа, не перезаписываются,
// поэтому число изменённых строк может быть меньше запрошенного.
func (r *PostgresRepository) LinkDeals(ctx context.Context, dealIDs []uuid.UUID, invoiceID uuid.UUID, t model.InvoiceType) (int64, error) {
	col, err := linkColumn(t)
	if err != nil {
		return 0, err
	}

	var updated int64
	err = r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			fmt.Sprintf(`UPDATE deals SET %[1]s = $1, updated_at = now()
			             WHERE id = ANY($2) AND (%[1]s IS NULL OR %[1]s = $1)`, col),
			invoiceID, dealIDs,
		)
		if err != nil {
			return fmt.Errorf("link deals: %w", err)
		}
		updated = cmdTag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}

	return updated, nil
}

// UnlinkDeals снимает ссылку на счёт со всех сделок, указывающих на него.
func (r *PostgresRepository) UnlinkDeals(ctx context.Context, invoiceID uuid.UUID, t model.InvoiceType) (int64, error) {
	col, err := linkColumn(t)
	if err != nil {
		return 0, err
	}

	var updated int64
	err = r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			fmt.Sprintf(`UPDATE deals SET %[1]s = NULL, updated_at = now() WHERE %[1]s = $1`, col),
			invoiceID,
		)
		if err != nil {
			return fmt.Errorf("unlink deals: %w", err)
		}
		updated = cmdTag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}

	return updated, nil
}
