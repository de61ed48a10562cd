package sqlutil

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// WithTransaction runs a block of code passing in an SQL transaction
// If the code returns an error or panics then the transactions is rolled back
// Otherwise the transaction is committed.
func WithTransaction(db *sqlx.DB, fn func(txn *sqlx.Tx) error) (err error) {
	return WithTransactionContext(context.Background(), db, fn)
}

// WithTransactionContext is WithTransaction with the transaction bound to ctx. If ctx is
// cancelled before commit the driver rolls the transaction back.
func WithTransactionContext(ctx context.Context, db *sqlx.DB, fn func(txn *sqlx.Tx) error) (err error) {
	txn, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("WithTransaction.Begin: %w", err)
	}

	defer func() {
		panicErr := recover()
		if err == nil && panicErr != nil {
			err = fmt.Errorf("panic: %v", panicErr)
		}
		var txnErr error
		if err != nil {
			txnErr = txn.Rollback()
		} else {
			txnErr = txn.Commit()
		}
		if txnErr != nil && err == nil {
			err = fmt.Errorf("WithTransaction failed to commit/rollback: %w", txnErr)
		}
	}()

	err = fn(txn)
	return
}

// StatementList is a list of SQL statements to prepare and a pointer to where to store
// the resulting prepared statement.
type StatementList []struct {
	Statement **sqlx.Stmt
	SQL       string
}

// Prepare the SQL for each statement in the list and assign the result to the prepared
// statement. Stops at the first failure.
func (s StatementList) Prepare(db *sqlx.DB) error {
	for _, statement := range s {
		stmt, err := db.Preparex(statement.SQL)
		if err != nil {
			return fmt.Errorf("failed to prepare %q: %w", statement.SQL, err)
		}
		*statement.Statement = stmt
	}
	return nil
}
