package store

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"mealreg/internal/sentinel"
)

func TestClassify(t *testing.T) {
	assert.NoError(t, Classify("noop", nil))

	dup := &pgconn.PgError{Code: "23505", Message: "duplicate key value"}
	err := Classify("insert", dup)
	assert.True(t, IsUniqueViolation(err))
	assert.False(t, errors.Is(err, sentinel.ErrUnavailable))

	err = Classify("query", context.DeadlineExceeded)
	assert.True(t, errors.Is(err, sentinel.ErrUnavailable))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, IsUniqueViolation(err))
}

func TestTablesCoverSchema(t *testing.T) {
	for _, table := range Tables() {
		found := false
		for _, stmt := range schema {
			if strings.Contains(stmt, "CREATE TABLE IF NOT EXISTS "+table+" (") {
				found = true
				break
			}
		}
		assert.True(t, found, "no DDL for %s", table)
	}
}
