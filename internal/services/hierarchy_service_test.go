package services

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"

	"github.com/qrcredit/backend/internal/models"
)

const selectNodeQuery = "FROM users WHERE obj_id = \\$1"

func fullNodeRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"obj_id", "id", "name", "role", "parent_id", "credits", "credit_expiry",
		"services", "hq", "zone", "region", "email", "version", "created_at", "updated_at",
	})
}

func addNode(rows *sqlmock.Rows, objID, loginID, name, role string, parentID any, credits int64, expiry any) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow(objID, loginID, name, role, parentID, credits, expiry,
		"{}", nil, nil, nil, nil, 1, now, now)
}

func TestHierarchyService_GetNode(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewHierarchyService(db)

	t.Run("existing node", func(t *testing.T) {
		mock.ExpectQuery(selectNodeQuery).
			WithArgs("mr-1").
			WillReturnRows(addNode(fullNodeRows(), "mr-1", "MR001", "Medical Rep", "mr", "flm-1", 10, nil))

		node, err := service.GetNode("mr-1")
		assert.NoError(t, err)
		assert.Equal(t, "mr-1", node.ObjID)
		assert.Equal(t, "MR001", node.LoginID)
		assert.Equal(t, "mr", node.Role)
		assert.NotNil(t, node.ParentID)
		assert.Equal(t, "flm-1", *node.ParentID)
		assert.Equal(t, int64(10), node.Credits)
		assert.Nil(t, node.CreditExpiry)
	})

	t.Run("missing node", func(t *testing.T) {
		mock.ExpectQuery(selectNodeQuery).
			WithArgs("nope").
			WillReturnRows(fullNodeRows())

		node, err := service.GetNode("nope")
		assert.ErrorIs(t, err, ErrNodeNotFound)
		assert.Nil(t, node)
	})
}

func TestHierarchyService_Descendants(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewHierarchyService(db)

	t.Run("walks level by level with batched queries", func(t *testing.T) {
		admin := &models.HierarchyNode{ObjID: "admin-1", Role: models.RoleAdmin}

		// Round 1: the admin's TLMs.
		tlmRows := fullNodeRows()
		addNode(tlmRows, "tlm-1", "TLM001", "Team Lead One", "tlm", "admin-1", 40, nil)
		addNode(tlmRows, "tlm-2", "TLM002", "Team Lead Two", "tlm", "admin-1", 0, nil)
		mock.ExpectQuery("FROM users WHERE parent_id = ANY").
			WillReturnRows(tlmRows)

		// Round 2: SLMs under both TLMs at once.
		slmRows := fullNodeRows()
		addNode(slmRows, "slm-1", "SLM001", "Second Line", "slm", "tlm-1", 20, nil)
		mock.ExpectQuery("FROM users WHERE parent_id = ANY").
			WillReturnRows(slmRows)

		// Round 3: FLMs.
		flmRows := fullNodeRows()
		addNode(flmRows, "flm-1", "FLM001", "Frontline", "flm", "slm-1", 15, nil)
		mock.ExpectQuery("FROM users WHERE parent_id = ANY").
			WillReturnRows(flmRows)

		// Round 4: MRs, the leaf level. The walk stops here.
		mrRows := fullNodeRows()
		addNode(mrRows, "mr-1", "MR001", "Rep One", "mr", "flm-1", 5, nil)
		addNode(mrRows, "mr-2", "MR002", "Rep Two", "mr", "flm-1", 0, nil)
		mock.ExpectQuery("FROM users WHERE parent_id = ANY").
			WillReturnRows(mrRows)

		descendants, err := service.Descendants(admin)
		assert.NoError(t, err)
		assert.Len(t, descendants, 6)
		assert.Equal(t, "tlm-1", descendants[0].ObjID)
		assert.Equal(t, "mr-2", descendants[5].ObjID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty frontier stops the walk early", func(t *testing.T) {
		tlm := &models.HierarchyNode{ObjID: "tlm-9", Role: models.RoleTLM}

		mock.ExpectQuery("FROM users WHERE parent_id = ANY").
			WillReturnRows(fullNodeRows())

		descendants, err := service.Descendants(tlm)
		assert.NoError(t, err)
		assert.Empty(t, descendants)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("leaf node issues no queries", func(t *testing.T) {
		mr := &models.HierarchyNode{ObjID: "mr-1", Role: models.RoleMR}

		descendants, err := service.Descendants(mr)
		assert.NoError(t, err)
		assert.Empty(t, descendants)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestHierarchyService_ResolveInherited(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewHierarchyService(db)

	t.Run("admin carries its own values", func(t *testing.T) {
		expiry := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
		admin := &models.HierarchyNode{
			ObjID:        "admin-1",
			Role:         models.RoleAdmin,
			CreditExpiry: &expiry,
			Services:     []string{"business_card"},
		}

		got, services, err := service.ResolveInherited(admin)
		assert.NoError(t, err)
		assert.Equal(t, &expiry, got)
		assert.Equal(t, []string{"business_card"}, services)
	})

	t.Run("mr inherits from the admin at the top of its chain", func(t *testing.T) {
		expiry := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
		flmID := "flm-1"
		mr := &models.HierarchyNode{ObjID: "mr-1", Role: models.RoleMR, ParentID: &flmID}

		mock.ExpectQuery(selectNodeQuery).WithArgs("flm-1").
			WillReturnRows(addNode(fullNodeRows(), "flm-1", "FLM001", "Frontline", "flm", "slm-1", 0, nil))
		mock.ExpectQuery(selectNodeQuery).WithArgs("slm-1").
			WillReturnRows(addNode(fullNodeRows(), "slm-1", "SLM001", "Second Line", "slm", "tlm-1", 0, nil))
		mock.ExpectQuery(selectNodeQuery).WithArgs("tlm-1").
			WillReturnRows(addNode(fullNodeRows(), "tlm-1", "TLM001", "Team Lead", "tlm", "admin-1", 0, nil))

		adminRows := fullNodeRows()
		now := time.Now()
		adminRows.AddRow("admin-1", "ADM001", "Admin One", "admin", nil, 100, expiry,
			"{business_card,prescription}", nil, nil, nil, nil, 1, now, now)
		mock.ExpectQuery(selectNodeQuery).WithArgs("admin-1").WillReturnRows(adminRows)

		got, services, err := service.ResolveInherited(mr)
		assert.NoError(t, err)
		assert.NotNil(t, got)
		assert.True(t, got.Equal(expiry))
		assert.Equal(t, []string{"business_card", "prescription"}, services)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("orphaned node resolves to nothing", func(t *testing.T) {
		goneID := "gone"
		mr := &models.HierarchyNode{ObjID: "mr-1", Role: models.RoleMR, ParentID: &goneID}

		mock.ExpectQuery(selectNodeQuery).WithArgs("gone").
			WillReturnRows(fullNodeRows())

		got, services, err := service.ResolveInherited(mr)
		assert.NoError(t, err)
		assert.Nil(t, got)
		assert.Nil(t, services)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestHierarchyService_CreateNode(t *testing.T) {
	viper.Set("argon2.time", 1)
	viper.Set("argon2.memory", 64*1024)
	viper.Set("argon2.threads", 4)
	viper.Set("argon2.key_length", 32)
	viper.Set("argon2.salt_length", 16)

	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewHierarchyService(db)

	post := func(body any) *httptest.ResponseRecorder {
		payload, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/users/create", bytes.NewReader(payload))
		w := httptest.NewRecorder()
		service.CreateNode(w, req)
		return w
	}

	parentObjID := "6f5d9a1e-2f3b-4c8d-9e0a-1b2c3d4e5f60"

	t.Run("creates an mr under an flm", func(t *testing.T) {
		mock.ExpectQuery(selectNodeQuery).WithArgs(parentObjID).
			WillReturnRows(addNode(fullNodeRows(), parentObjID, "FLM001", "Frontline", "flm", "slm-1", 10, nil))
		mock.ExpectQuery("SELECT EXISTS").WithArgs("MR001").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec("INSERT INTO users").
			WillReturnResult(sqlmock.NewResult(1, 1))

		w := post(models.CreateNodeRequest{
			ParentObjID: parentObjID,
			Role:        "mr",
			Name:        "New Rep",
			LoginID:     "MR001",
			Password:    "secret123",
		})

		assert.Equal(t, http.StatusCreated, w.Code)
		var resp map[string]any
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, true, resp["success"])
		user := resp["user"].(map[string]any)
		assert.Equal(t, "MR001", user["id"])
		assert.Equal(t, "mr", user["role"])
		assert.Equal(t, float64(0), user["credits"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("role must be one level below the parent", func(t *testing.T) {
		mock.ExpectQuery(selectNodeQuery).WithArgs(parentObjID).
			WillReturnRows(addNode(fullNodeRows(), parentObjID, "TLM001", "Team Lead", "tlm", "admin-1", 10, nil))

		w := post(models.CreateNodeRequest{
			ParentObjID: parentObjID,
			Role:        "mr",
			Name:        "New Rep",
			LoginID:     "MR002",
			Password:    "secret123",
		})

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "one level below")
	})

	t.Run("duplicate login id conflicts", func(t *testing.T) {
		mock.ExpectQuery(selectNodeQuery).WithArgs(parentObjID).
			WillReturnRows(addNode(fullNodeRows(), parentObjID, "FLM001", "Frontline", "flm", "slm-1", 10, nil))
		mock.ExpectQuery("SELECT EXISTS").WithArgs("MR001").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		w := post(models.CreateNodeRequest{
			ParentObjID: parentObjID,
			Role:        "mr",
			Name:        "New Rep",
			LoginID:     "MR001",
			Password:    "secret123",
		})

		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("unknown parent", func(t *testing.T) {
		missing := "00000000-0000-4000-8000-000000000000"
		mock.ExpectQuery(selectNodeQuery).WithArgs(missing).
			WillReturnRows(fullNodeRows())

		w := post(models.CreateNodeRequest{
			ParentObjID: missing,
			Role:        "mr",
			Name:        "New Rep",
			LoginID:     "MR003",
			Password:    "secret123",
		})

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestHierarchyService_GetSubordinates(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewHierarchyService(db)

	get := func(userObjID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/users/subordinates?userObjId="+userObjID, nil)
		w := httptest.NewRecorder()
		service.GetSubordinates(w, req)
		return w
	}

	t.Run("children enriched with per-node stats", func(t *testing.T) {
		mock.ExpectQuery(selectNodeQuery).WithArgs("flm-1").
			WillReturnRows(addNode(fullNodeRows(), "flm-1", "FLM001", "Frontline", "flm", "slm-1", 40, nil))

		// Requester totals: performer side then target side.
		mock.ExpectQuery("SELECT type, actual_amount").WithArgs("flm-1").
			WillReturnRows(sqlmock.NewRows([]string{"type", "actual_amount"}).
				AddRow(models.TxAllocation, 30).
				AddRow(models.TxReclaim, 5))
		mock.ExpectQuery("SELECT type, actual_amount").WithArgs("flm-1").
			WillReturnRows(sqlmock.NewRows([]string{"type", "actual_amount"}).
				AddRow(models.TxAllocation, 75).
				AddRow(models.TxReclaim, 5))

		childRows := fullNodeRows()
		addNode(childRows, "mr-1", "MR001", "Rep One", "mr", "flm-1", 20, nil)
		addNode(childRows, "mr-2", "MR002", "Rep Two", "mr", "flm-1", 5, nil)
		mock.ExpectQuery("FROM users WHERE parent_id = \\$1").WithArgs("flm-1").
			WillReturnRows(childRows)

		// One batched scan for both subordinates. Use rows carry no target and
		// attribute to the performer; transfers attribute to the target.
		mock.ExpectQuery("SELECT performer_id, target_id, type, actual_amount").
			WillReturnRows(sqlmock.NewRows([]string{"performer_id", "target_id", "type", "actual_amount"}).
				AddRow("flm-1", "mr-1", models.TxAllocation, 25).
				AddRow("flm-1", "mr-1", models.TxReclaim, 5).
				AddRow("mr-1", nil, models.TxUse, 2).
				AddRow("flm-1", "mr-2", models.TxAllocation, 5))

		w := get("flm-1")
		assert.Equal(t, http.StatusOK, w.Code)

		var resp map[string]any
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, float64(2), resp["subordinateCount"])

		user := resp["user"].(map[string]any)
		assert.Equal(t, float64(30), user["totalAllocated"])
		assert.Equal(t, float64(5), user["totalReclaimed"])
		assert.Equal(t, float64(70), user["totalIssued"]) // 75 received, nothing reclaimed from it

		subs := resp["subordinates"].([]any)
		first := subs[0].(map[string]any)
		assert.Equal(t, "mr-1", first["userObjId"])
		assert.Equal(t, float64(25), first["allocated"])
		assert.Equal(t, float64(5), first["reclaimed"])
		assert.Equal(t, float64(2), first["used"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("mr has no subordinates", func(t *testing.T) {
		mock.ExpectQuery(selectNodeQuery).WithArgs("mr-1").
			WillReturnRows(addNode(fullNodeRows(), "mr-1", "MR001", "Rep One", "mr", "flm-1", 5, nil))

		mock.ExpectQuery("SELECT type, actual_amount").WithArgs("mr-1").
			WillReturnRows(sqlmock.NewRows([]string{"type", "actual_amount"}))
		mock.ExpectQuery("SELECT type, actual_amount").WithArgs("mr-1").
			WillReturnRows(sqlmock.NewRows([]string{"type", "actual_amount"}))

		w := get("mr-1")
		assert.Equal(t, http.StatusOK, w.Code)

		var resp map[string]any
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, []any{}, resp["subordinates"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
