package services

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"

	"github.com/qrcredit/backend/internal/models"
)

func newSuperAdminServiceWithMock(t *testing.T) (*SuperAdminService, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	service := NewSuperAdminService(db, NewCreditLedgerService(db), NewHierarchyService(db))
	return service, mock, func() { db.Close() }
}

func postJSON(handler http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	payload, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func TestSuperAdminService_CreateAdmin(t *testing.T) {
	viper.Set("argon2.time", 1)
	viper.Set("argon2.memory", 64*1024)
	viper.Set("argon2.threads", 4)
	viper.Set("argon2.key_length", 32)
	viper.Set("argon2.salt_length", 16)

	service, mock, closeDB := newSuperAdminServiceWithMock(t)
	defer closeDB()

	t.Run("creates an admin with services", func(t *testing.T) {
		mock.ExpectQuery("SELECT EXISTS").WithArgs("ADM001").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec("INSERT INTO users").
			WillReturnResult(sqlmock.NewResult(1, 1))

		w := postJSON(service.CreateAdmin, "/api/v1/superAdmin/createAdmin", CreateAdminRequest{
			Name:     "Admin One",
			LoginID:  "ADM001",
			Password: "secret123",
			Services: []string{"business_card", "prescription"},
		})

		assert.Equal(t, http.StatusCreated, w.Code)
		var resp map[string]any
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		admin := resp["admin"].(map[string]any)
		assert.Equal(t, "ADM001", admin["id"])
		assert.Equal(t, "admin", admin["role"])
		assert.NotEmpty(t, admin["userObjId"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate admin conflicts", func(t *testing.T) {
		mock.ExpectQuery("SELECT EXISTS").WithArgs("ADM001").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		w := postJSON(service.CreateAdmin, "/api/v1/superAdmin/createAdmin", CreateAdminRequest{
			Name:     "Admin One",
			LoginID:  "ADM001",
			Password: "secret123",
		})

		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("unknown service rejected", func(t *testing.T) {
		w := postJSON(service.CreateAdmin, "/api/v1/superAdmin/createAdmin", CreateAdminRequest{
			Name:     "Admin Two",
			LoginID:  "ADM002",
			Password: "secret123",
			Services: []string{"telepathy"},
		})

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestSuperAdminService_IssueCredits(t *testing.T) {
	service, mock, closeDB := newSuperAdminServiceWithMock(t)
	defer closeDB()

	amount := func(v int64) *int64 { return &v }

	t.Run("raises a balance through the system sentinel", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockNodeQuery).WithArgs("admin-1").
			WillReturnRows(nodeRow("admin-1", "admin", "Admin One", 20, nil, 1))
		mock.ExpectExec(insertTxQuery).
			WithArgs(models.SystemPerformer, models.RoleSuperAdmin, models.SystemBalance, models.SystemBalance,
				"admin-1", "admin", 20, 50,
				50, 30, models.TxIssue, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(updateNodeQuery).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		w := postJSON(service.IssueCredits, "/api/v1/superAdmin/issueCredits", IssueCreditsRequest{
			UserObjID: "admin-1",
			Amount:    amount(50),
			Expiry:    "2026-12-31",
		})

		assert.Equal(t, http.StatusCreated, w.Code)
		var resp map[string]any
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, true, resp["success"])
		assert.Equal(t, float64(50), resp["userCredits"])
		assert.Contains(t, resp["message"], "Credited new 30 credits")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("malformed expiry rejected before the database is touched", func(t *testing.T) {
		w := postJSON(service.IssueCredits, "/api/v1/superAdmin/issueCredits", IssueCreditsRequest{
			UserObjID: "admin-1",
			Amount:    amount(50),
			Expiry:    "next tuesday",
		})

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "Invalid expiry date format")
	})

	t.Run("unknown node maps to 404", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockNodeQuery).WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"obj_id", "role", "name", "credits", "credit_expiry", "version"}))
		mock.ExpectRollback()

		w := postJSON(service.IssueCredits, "/api/v1/superAdmin/issueCredits", IssueCreditsRequest{
			UserObjID: "ghost",
			Amount:    amount(10),
			Expiry:    "2026-12-31",
		})

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestSuperAdminService_GetReport(t *testing.T) {
	service, mock, closeDB := newSuperAdminServiceWithMock(t)
	defer closeDB()

	t.Run("summarizes every admin", func(t *testing.T) {
		mock.ExpectQuery("SELECT obj_id, id, name, credits, credit_expiry FROM users WHERE role").
			WithArgs(models.RoleAdmin).
			WillReturnRows(sqlmock.NewRows([]string{"obj_id", "id", "name", "credits", "credit_expiry"}).
				AddRow("admin-1", "ADM001", "Admin One", 70, nil).
				AddRow("admin-2", "ADM002", "Admin Two", 0, nil))

		// admin-1: allocated 30 downward out of 100 issued.
		mock.ExpectQuery("SELECT type, actual_amount").WithArgs("admin-1").
			WillReturnRows(sqlmock.NewRows([]string{"type", "actual_amount"}).
				AddRow(models.TxAllocation, 30))
		mock.ExpectQuery("SELECT type, actual_amount").WithArgs("admin-1").
			WillReturnRows(sqlmock.NewRows([]string{"type", "actual_amount"}).
				AddRow(models.TxIssue, 100))

		// admin-2: untouched.
		mock.ExpectQuery("SELECT type, actual_amount").WithArgs("admin-2").
			WillReturnRows(sqlmock.NewRows([]string{"type", "actual_amount"}))
		mock.ExpectQuery("SELECT type, actual_amount").WithArgs("admin-2").
			WillReturnRows(sqlmock.NewRows([]string{"type", "actual_amount"}))

		req := httptest.NewRequest(http.MethodGet, "/api/v1/superAdmin/getReport", nil)
		w := httptest.NewRecorder()
		service.GetReport(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Success bool             `json:"success"`
			Report  []map[string]any `json:"report"`
		}
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
		assert.Len(t, resp.Report, 2)
		assert.Equal(t, float64(100), resp.Report[0]["totalIssued"])
		assert.Equal(t, float64(30), resp.Report[0]["totalAllocated"])
		assert.Equal(t, float64(0), resp.Report[1]["totalIssued"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSuperAdminService_ExtendCreditExpiry(t *testing.T) {
	service, mock, closeDB := newSuperAdminServiceWithMock(t)
	defer closeDB()

	patch := func(body any) *httptest.ResponseRecorder {
		payload, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPatch, "/api/v1/superAdmin/extendExpiry", bytes.NewReader(payload))
		w := httptest.NewRecorder()
		service.ExtendCreditExpiry(w, req)
		return w
	}

	t.Run("only nodes holding credits receive the new expiry", func(t *testing.T) {
		mock.ExpectQuery(selectNodeQuery).WithArgs("admin-1").
			WillReturnRows(addNode(fullNodeRows(), "admin-1", "ADM001", "Admin One", "admin", nil, 70, nil))

		// One level of TLMs, one with credits and one without.
		tlmRows := fullNodeRows()
		addNode(tlmRows, "tlm-1", "TLM001", "Team Lead One", "tlm", "admin-1", 30, nil)
		addNode(tlmRows, "tlm-2", "TLM002", "Team Lead Two", "tlm", "admin-1", 0, nil)
		mock.ExpectQuery("FROM users WHERE parent_id = ANY").WillReturnRows(tlmRows)
		mock.ExpectQuery("FROM users WHERE parent_id = ANY").WillReturnRows(fullNodeRows())

		// Batched write hits admin-1 and tlm-1; tlm-2 holds nothing and is skipped.
		mock.ExpectExec("UPDATE users SET credit_expiry").
			WillReturnResult(sqlmock.NewResult(0, 2))

		w := patch(ExtendExpiryRequest{
			AdminObjectID: "admin-1",
			NewExpiry:     "2027-03-31",
		})

		assert.Equal(t, http.StatusOK, w.Code)
		var resp map[string]any
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Contains(t, resp["message"], "for 2 users.")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-admin target rejected", func(t *testing.T) {
		mock.ExpectQuery(selectNodeQuery).WithArgs("tlm-1").
			WillReturnRows(addNode(fullNodeRows(), "tlm-1", "TLM001", "Team Lead", "tlm", "admin-1", 30, nil))

		w := patch(ExtendExpiryRequest{
			AdminObjectID: "tlm-1",
			NewExpiry:     "2027-03-31",
		})

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), "Admin not found")
	})

	t.Run("no holders still succeeds without a write", func(t *testing.T) {
		mock.ExpectQuery(selectNodeQuery).WithArgs("admin-2").
			WillReturnRows(addNode(fullNodeRows(), "admin-2", "ADM002", "Admin Two", "admin", nil, 0, nil))
		mock.ExpectQuery("FROM users WHERE parent_id = ANY").WillReturnRows(fullNodeRows())

		w := patch(ExtendExpiryRequest{
			AdminObjectID: "admin-2",
			NewExpiry:     "2027-03-31",
		})

		assert.Equal(t, http.StatusOK, w.Code)
		var resp map[string]any
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Contains(t, resp["message"], "for 0 users.")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
