package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/staybook/booking-payments/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBookingRepository_FindByID(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	repo := NewBookingRepository(sqlx.NewDb(mockDB, "sqlmock"), time.Second)
	ctx := context.Background()

	columns := []string{
		"booking_id", "listing_title", "listing_location", "check_in_date", "check_out_date",
		"number_of_guests", "total_price", "status", "user_email", "user_first_name",
		"user_last_name", "username", "user_phone", "created_at",
	}

	t.Run("Success", func(t *testing.T) {
		id := uuid.New()
		checkIn := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

		mock.ExpectQuery(`SELECT (.+) FROM bookings b JOIN listings l (.+) WHERE b.booking_id = \$1`).
			WithArgs(id).
			WillReturnRows(sqlmock.NewRows(columns).AddRow(
				id.String(), "Cozy Loft", "Bole, Addis Ababa", checkIn, checkIn.AddDate(0, 0, 2),
				2, "1000.00", "pending", "abebe@example.com", "Abebe",
				"Kebede", "abebe", "0912345678", time.Now(),
			))

		booking, err := repo.FindByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, booking.ID)
		assert.Equal(t, "Cozy Loft", booking.ListingTitle)
		assert.Equal(t, models.BookingStatusPending, booking.Status)
		assert.True(t, decimal.RequireFromString("1000").Equal(booking.TotalPrice))
		require.NotNil(t, booking.UserPhone)
		assert.Equal(t, "0912345678", *booking.UserPhone)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Not Found", func(t *testing.T) {
		id := uuid.New()

		mock.ExpectQuery(`SELECT (.+) FROM bookings`).
			WithArgs(id).
			WillReturnError(sql.ErrNoRows)

		booking, err := repo.FindByID(ctx, id)
		assert.ErrorIs(t, err, ErrBookingNotFound)
		assert.Nil(t, booking)

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPaymentAuditRepository_Log(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	repo := NewPaymentAuditRepository(sqlx.NewDb(mockDB, "sqlmock"), logger)

	t.Run("Success", func(t *testing.T) {
		payment := &models.Payment{ID: uuid.New(), BookingID: uuid.New(), TransactionReference: "tx-abc", Status: models.PaymentStatusPending}
		audit := models.NewPaymentAudit(models.PaymentEventInitiated, models.PaymentSourceUser).
			ForPayment(payment).
			SetRequestPayload(map[string]interface{}{"tx_ref": "tx-abc"})

		args := make([]driver.Value, 28)
		for i := range args {
			args[i] = sqlmock.AnyArg()
		}
		args[3] = "tx-abc"
		args[4] = string(models.PaymentEventInitiated)
		args[12] = `{"tx_ref":"tx-abc"}`

		mock.ExpectExec(`INSERT INTO payment_audits`).
			WithArgs(args...).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.Log(context.Background(), audit))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Nil Entry", func(t *testing.T) {
		assert.Error(t, repo.Log(context.Background(), nil))
	})

	t.Run("Database Error", func(t *testing.T) {
		mock.ExpectExec(`INSERT INTO payment_audits`).
			WillReturnError(sql.ErrConnDone)

		err := repo.Log(context.Background(), models.NewPaymentAudit(models.PaymentEventError, models.PaymentSourceBackend))
		assert.ErrorIs(t, err, sql.ErrConnDone)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestWithParam(t *testing.T) {
	assert.Equal(t, "postgres://h/db?default_query_exec_mode=simple_protocol",
		withParam("postgres://h/db", "default_query_exec_mode", "simple_protocol"))
	assert.Equal(t, "postgres://h/db?sslmode=disable&default_query_exec_mode=simple_protocol",
		withParam("postgres://h/db?sslmode=disable", "default_query_exec_mode", "simple_protocol"))
	assert.Equal(t, "postgres://h/db?default_query_exec_mode=exec",
		withParam("postgres://h/db?default_query_exec_mode=exec", "default_query_exec_mode", "simple_protocol"))
}

func TestSchemaDeclaresActivePaymentIndex(t *testing.T) {
	assert.Contains(t, Schema(), "CREATE UNIQUE INDEX IF NOT EXISTS payments_one_active_per_booking")
	assert.Contains(t, Schema(), "WHERE status IN ('pending','completed')")
}
