// Package bigquery persists confirmed transactions, receipts and correction
// events to BigQuery.
package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/mispesos/internal/domain"
)

// Repository stores the audit trail of the parsing service.
type Repository interface {
	InsertTransaction(ctx context.Context, tx domain.Transaction) error
	InsertReceipt(ctx context.Context, userID string, rec *domain.ReceiptExtraction) error
	InsertCorrection(ctx context.Context, e domain.CorrectionEvent) error
	// QueryTransactionsByDateRange lists a user's transactions dated within
	// [startDate, endDate], oldest first. An empty userID matches all users.
	QueryTransactionsByDateRange(ctx context.Context, userID string, startDate, endDate time.Time) ([]domain.Transaction, error)
	Close() error
}

// BigQueryRepository is the concrete implementation of Repository. It holds a
// shared BigQuery client to avoid creating a new connection for each operation.
type BigQueryRepository struct {
	client  *bigquery.Client
	project string
	dataset string
}

// NewBigQueryRepository creates a repository writing to project.dataset.
func NewBigQueryRepository(ctx context.Context, project, dataset string) (*BigQueryRepository, error) {
	if project == "" || dataset == "" {
		return nil, fmt.Errorf("NewBigQueryRepository: project and dataset are required")
	}
	client, err := bigquery.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("NewBigQueryRepository: creating client: %w", err)
	}
	return &BigQueryRepository{client: client, project: project, dataset: dataset}, nil
}

// Close closes the BigQuery client connection.
func (r *BigQueryRepository) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *BigQueryRepository) table(name string) *bigquery.Table {
	// Fully qualified to avoid project ID issues with shared credentials.
	return r.client.DatasetInProject(r.project, r.dataset).Table(name)
}

// InsertTransaction streams one confirmed transaction into the transactions table.
func (r *BigQueryRepository) InsertTransaction(ctx context.Context, tx domain.Transaction) error {
	if err := r.table(transactionsTable).Inserter().Put(ctx, NewTransactionRow(tx)); err != nil {
		return fmt.Errorf("InsertTransaction %s: %w", tx.ID, err)
	}
	return nil
}

// InsertReceipt streams one receipt into the receipts table.
func (r *BigQueryRepository) InsertReceipt(ctx context.Context, userID string, rec *domain.ReceiptExtraction) error {
	if err := r.table(receiptsTable).Inserter().Put(ctx, NewReceiptRow(userID, rec)); err != nil {
		return fmt.Errorf("InsertReceipt %s: %w", rec.ID, err)
	}
	return nil
}

// InsertCorrection streams one correction event into the corrections table.
func (r *BigQueryRepository) InsertCorrection(ctx context.Context, e domain.CorrectionEvent) error {
	row, err := NewCorrectionRow(e)
	if err != nil {
		return fmt.Errorf("InsertCorrection: %w", err)
	}
	if err := r.table(correctionsTable).Inserter().Put(ctx, row); err != nil {
		return fmt.Errorf("InsertCorrection %s: %w", e.ID, err)
	}
	return nil
}

// QueryTransactionsByDateRange implements Repository.
func (r *BigQueryRepository) QueryTransactionsByDateRange(ctx context.Context, userID string, startDate, endDate time.Time) ([]domain.Transaction, error) {
	q := r.client.Query(fmt.Sprintf(`
		SELECT
			transaction_id,
			draft_id,
			user_id,
			transaction_date,
			amount,
			currency,
			description,
			category_name,
			payment_method,
			source,
			confidence,
			original_text,
			confirmed_ts
		FROM `+"`%s.%s.%s`"+`
		WHERE transaction_date >= @start_date
		  AND transaction_date <= @end_date
		  AND (@user_id = '' OR user_id = @user_id)
		ORDER BY transaction_date, confirmed_ts
	`, r.project, r.dataset, transactionsTable))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "start_date", Value: civil.DateOf(startDate)},
		{Name: "end_date", Value: civil.DateOf(endDate)},
		{Name: "user_id", Value: userID},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("QueryTransactionsByDateRange: query read: %w", err)
	}

	var txs []domain.Transaction
	for {
		var row TransactionRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("QueryTransactionsByDateRange: iter next: %w", err)
		}
		tx, err := row.Transaction()
		if err != nil {
			return nil, fmt.Errorf("QueryTransactionsByDateRange: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

var _ Repository = (*BigQueryRepository)(nil)
