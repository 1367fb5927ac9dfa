package store

import (
	"database/sql"
	"encoding/json"
	"errors"

	"scalesync/internal/models"
)

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

func changeEntry(et models.EntityType, meta models.SyncMeta, op models.Op, payload any) (models.ChangeLogEntry, error) {
	snapshot, err := json.Marshal(payload)
	if err != nil {
		return models.ChangeLogEntry{}, err
	}
	return models.ChangeLogEntry{
		EntityType: et,
		EntityID:   meta.ID,
		Op:         op,
		UpdatedAt:  meta.UpdatedAt,
		Snapshot:   snapshot,
	}, nil
}

// saveTx stamps the row, writes it, and records the change in the same
// transaction. If either write fails the whole transaction rolls back.
func (s *Store) saveTx(tx *sql.Tx, et models.EntityType, meta *models.SyncMeta, payload any, upsert func(*sql.Tx) error) error {
	op := models.OpUpdate
	if meta.ID.IsZero() {
		local, err := s.nextLocalID(tx, et)
		if err != nil {
			return err
		}
		meta.ID = models.EntityID{Origin: s.self.ID, Local: local}
		op = models.OpCreate
	}
	meta.UpdatedAt = s.clock.Next()
	if err := upsert(tx); err != nil {
		return err
	}
	entry, err := changeEntry(et, *meta, op, payload)
	if err != nil {
		return err
	}
	return appendChangeTx(tx, entry, "")
}

// --- Customer ---

func (s *Store) SaveCustomer(c *models.Customer) error {
	return s.WithTx(func(tx *sql.Tx) error {
		return s.saveTx(tx, models.EntityCustomer, &c.SyncMeta, c, func(tx *sql.Tx) error {
			return upsertCustomerTx(tx, c)
		})
	})
}

func (s *Store) DeleteCustomer(id models.EntityID) error {
	return s.WithTx(func(tx *sql.Tx) error {
		c, err := getCustomer(tx, id)
		if err != nil {
			return err
		}
		if c.Deleted {
			return nil
		}
		c.Deleted = true
		c.UpdatedAt = s.clock.Next()
		if err := upsertCustomerTx(tx, c); err != nil {
			return err
		}
		entry, err := changeEntry(models.EntityCustomer, c.SyncMeta, models.OpDelete, c)
		if err != nil {
			return err
		}
		return appendChangeTx(tx, entry, "")
	})
}

func (s *Store) GetCustomer(id models.EntityID) (*models.Customer, error) {
	return getCustomer(s.db, id)
}

func (s *Store) ListCustomers() ([]models.Customer, error) {
	rows, err := s.db.Query(`
		SELECT origin_id, local_id, updated_at, deleted, name, phone, id_number, address
		FROM customers WHERE deleted = 0 ORDER BY name, origin_id, local_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Customer
	for rows.Next() {
		var c models.Customer
		if err := rows.Scan(&c.ID.Origin, &c.ID.Local, &c.UpdatedAt, &c.Deleted,
			&c.Name, &c.Phone, &c.IDNumber, &c.Address); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func getCustomer(q querier, id models.EntityID) (*models.Customer, error) {
	var c models.Customer
	err := q.QueryRow(`
		SELECT origin_id, local_id, updated_at, deleted, name, phone, id_number, address
		FROM customers WHERE origin_id = ? AND local_id = ?
	`, id.Origin, id.Local).Scan(&c.ID.Origin, &c.ID.Local, &c.UpdatedAt, &c.Deleted,
		&c.Name, &c.Phone, &c.IDNumber, &c.Address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func upsertCustomerTx(tx *sql.Tx, c *models.Customer) error {
	_, err := tx.Exec(`
		INSERT INTO customers (origin_id, local_id, updated_at, deleted, name, phone, id_number, address)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(origin_id, local_id) DO UPDATE SET
			updated_at = excluded.updated_at,
			deleted    = excluded.deleted,
			name       = excluded.name,
			phone      = excluded.phone,
			id_number  = excluded.id_number,
			address    = excluded.address
	`, c.ID.Origin, c.ID.Local, c.UpdatedAt, c.Deleted, c.Name, c.Phone, c.IDNumber, c.Address)
	return err
}

// --- Vehicle ---

func (s *Store) SaveVehicle(v *models.Vehicle) error {
	return s.WithTx(func(tx *sql.Tx) error {
		return s.saveTx(tx, models.EntityVehicle, &v.SyncMeta, v, func(tx *sql.Tx) error {
			return upsertVehicleTx(tx, v)
		})
	})
}

func (s *Store) DeleteVehicle(id models.EntityID) error {
	return s.WithTx(func(tx *sql.Tx) error {
		v, err := getVehicle(tx, id)
		if err != nil {
			return err
		}
		if v.Deleted {
			return nil
		}
		v.Deleted = true
		v.UpdatedAt = s.clock.Next()
		if err := upsertVehicleTx(tx, v); err != nil {
			return err
		}
		entry, err := changeEntry(models.EntityVehicle, v.SyncMeta, models.OpDelete, v)
		if err != nil {
			return err
		}
		return appendChangeTx(tx, entry, "")
	})
}

func (s *Store) GetVehicle(id models.EntityID) (*models.Vehicle, error) {
	return getVehicle(s.db, id)
}

func (s *Store) VehiclesByCustomer(customerID models.EntityID) ([]models.Vehicle, error) {
	rows, err := s.db.Query(`
		SELECT origin_id, local_id, updated_at, deleted, customer_origin, customer_local, plate, description
		FROM vehicles WHERE customer_origin = ? AND customer_local = ? AND deleted = 0
		ORDER BY origin_id, local_id
	`, customerID.Origin, customerID.Local)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Vehicle
	for rows.Next() {
		var v models.Vehicle
		if err := rows.Scan(&v.ID.Origin, &v.ID.Local, &v.UpdatedAt, &v.Deleted,
			&v.CustomerID.Origin, &v.CustomerID.Local, &v.Plate, &v.Description); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func getVehicle(q querier, id models.EntityID) (*models.Vehicle, error) {
	var v models.Vehicle
	err := q.QueryRow(`
		SELECT origin_id, local_id, updated_at, deleted, customer_origin, customer_local, plate, description
		FROM vehicles WHERE origin_id = ? AND local_id = ?
	`, id.Origin, id.Local).Scan(&v.ID.Origin, &v.ID.Local, &v.UpdatedAt, &v.Deleted,
		&v.CustomerID.Origin, &v.CustomerID.Local, &v.Plate, &v.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func upsertVehicleTx(tx *sql.Tx, v *models.Vehicle) error {
	_, err := tx.Exec(`
		INSERT INTO vehicles (origin_id, local_id, updated_at, deleted, customer_origin, customer_local, plate, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(origin_id, local_id) DO UPDATE SET
			updated_at      = excluded.updated_at,
			deleted         = excluded.deleted,
			customer_origin = excluded.customer_origin,
			customer_local  = excluded.customer_local,
			plate           = excluded.plate,
			description     = excluded.description
	`, v.ID.Origin, v.ID.Local, v.UpdatedAt, v.Deleted,
		v.CustomerID.Origin, v.CustomerID.Local, v.Plate, v.Description)
	return err
}

// --- WeighingSession ---

func (s *Store) SaveWeighingSession(ws *models.WeighingSession) error {
	return s.WithTx(func(tx *sql.Tx) error {
		return s.saveTx(tx, models.EntityWeighingSession, &ws.SyncMeta, ws, func(tx *sql.Tx) error {
			return upsertWeighingSessionTx(tx, ws)
		})
	})
}

func (s *Store) DeleteWeighingSession(id models.EntityID) error {
	return s.WithTx(func(tx *sql.Tx) error {
		ws, err := getWeighingSession(tx, id)
		if err != nil {
			return err
		}
		if ws.Deleted {
			return nil
		}
		ws.Deleted = true
		ws.UpdatedAt = s.clock.Next()
		if err := upsertWeighingSessionTx(tx, ws); err != nil {
			return err
		}
		entry, err := changeEntry(models.EntityWeighingSession, ws.SyncMeta, models.OpDelete, ws)
		if err != nil {
			return err
		}
		return appendChangeTx(tx, entry, "")
	})
}

func (s *Store) GetWeighingSession(id models.EntityID) (*models.WeighingSession, error) {
	return getWeighingSession(s.db, id)
}

func (s *Store) SessionsByCustomer(customerID models.EntityID) ([]models.WeighingSession, error) {
	rows, err := s.db.Query(`
		SELECT origin_id, local_id, updated_at, deleted, customer_origin, customer_local, opened_at, closed_at, status, notes
		FROM weighing_sessions WHERE customer_origin = ? AND customer_local = ? AND deleted = 0
		ORDER BY opened_at DESC, origin_id, local_id
	`, customerID.Origin, customerID.Local)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WeighingSession
	for rows.Next() {
		var ws models.WeighingSession
		if err := scanWeighingSession(rows.Scan, &ws); err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

func getWeighingSession(q querier, id models.EntityID) (*models.WeighingSession, error) {
	var ws models.WeighingSession
	err := scanWeighingSession(q.QueryRow(`
		SELECT origin_id, local_id, updated_at, deleted, customer_origin, customer_local, opened_at, closed_at, status, notes
		FROM weighing_sessions WHERE origin_id = ? AND local_id = ?
	`, id.Origin, id.Local).Scan, &ws)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

func scanWeighingSession(scan func(...any) error, ws *models.WeighingSession) error {
	return scan(&ws.ID.Origin, &ws.ID.Local, &ws.UpdatedAt, &ws.Deleted,
		&ws.CustomerID.Origin, &ws.CustomerID.Local, &ws.OpenedAt, &ws.ClosedAt, &ws.Status, &ws.Notes)
}

func upsertWeighingSessionTx(tx *sql.Tx, ws *models.WeighingSession) error {
	_, err := tx.Exec(`
		INSERT INTO weighing_sessions (origin_id, local_id, updated_at, deleted, customer_origin, customer_local, opened_at, closed_at, status, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(origin_id, local_id) DO UPDATE SET
			updated_at      = excluded.updated_at,
			deleted         = excluded.deleted,
			customer_origin = excluded.customer_origin,
			customer_local  = excluded.customer_local,
			opened_at       = excluded.opened_at,
			closed_at       = excluded.closed_at,
			status          = excluded.status,
			notes           = excluded.notes
	`, ws.ID.Origin, ws.ID.Local, ws.UpdatedAt, ws.Deleted,
		ws.CustomerID.Origin, ws.CustomerID.Local, ws.OpenedAt, ws.ClosedAt, ws.Status, ws.Notes)
	return err
}

// --- Weighing ---

func (s *Store) SaveWeighing(w *models.Weighing) error {
	return s.WithTx(func(tx *sql.Tx) error {
		return s.saveTx(tx, models.EntityWeighing, &w.SyncMeta, w, func(tx *sql.Tx) error {
			return upsertWeighingTx(tx, w)
		})
	})
}

func (s *Store) DeleteWeighing(id models.EntityID) error {
	return s.WithTx(func(tx *sql.Tx) error {
		w, err := getWeighing(tx, id)
		if err != nil {
			return err
		}
		if w.Deleted {
			return nil
		}
		w.Deleted = true
		w.UpdatedAt = s.clock.Next()
		if err := upsertWeighingTx(tx, w); err != nil {
			return err
		}
		entry, err := changeEntry(models.EntityWeighing, w.SyncMeta, models.OpDelete, w)
		if err != nil {
			return err
		}
		return appendChangeTx(tx, entry, "")
	})
}

func (s *Store) GetWeighing(id models.EntityID) (*models.Weighing, error) {
	return getWeighing(s.db, id)
}

// WeighingsBySession returns the live line items of a session. Items added on
// different devices union here because every weighing keeps its own identity.
func (s *Store) WeighingsBySession(sessionID models.EntityID) ([]models.Weighing, error) {
	rows, err := s.db.Query(`
		SELECT origin_id, local_id, updated_at, deleted, session_origin, session_local,
		       metal_origin, metal_local, gross_kg, tare_kg, net_kg, unit_price, recorded_at
		FROM weighings WHERE session_origin = ? AND session_local = ? AND deleted = 0
		ORDER BY recorded_at, origin_id, local_id
	`, sessionID.Origin, sessionID.Local)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Weighing
	for rows.Next() {
		var w models.Weighing
		if err := scanWeighing(rows.Scan, &w); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func getWeighing(q querier, id models.EntityID) (*models.Weighing, error) {
	var w models.Weighing
	err := scanWeighing(q.QueryRow(`
		SELECT origin_id, local_id, updated_at, deleted, session_origin, session_local,
		       metal_origin, metal_local, gross_kg, tare_kg, net_kg, unit_price, recorded_at
		FROM weighings WHERE origin_id = ? AND local_id = ?
	`, id.Origin, id.Local).Scan, &w)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func scanWeighing(scan func(...any) error, w *models.Weighing) error {
	return scan(&w.ID.Origin, &w.ID.Local, &w.UpdatedAt, &w.Deleted,
		&w.SessionID.Origin, &w.SessionID.Local, &w.MetalTypeID.Origin, &w.MetalTypeID.Local,
		&w.GrossKg, &w.TareKg, &w.NetKg, &w.UnitPrice, &w.RecordedAt)
}

func upsertWeighingTx(tx *sql.Tx, w *models.Weighing) error {
	_, err := tx.Exec(`
		INSERT INTO weighings (origin_id, local_id, updated_at, deleted, session_origin, session_local,
			metal_origin, metal_local, gross_kg, tare_kg, net_kg, unit_price, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(origin_id, local_id) DO UPDATE SET
			updated_at     = excluded.updated_at,
			deleted        = excluded.deleted,
			session_origin = excluded.session_origin,
			session_local  = excluded.session_local,
			metal_origin   = excluded.metal_origin,
			metal_local    = excluded.metal_local,
			gross_kg       = excluded.gross_kg,
			tare_kg        = excluded.tare_kg,
			net_kg         = excluded.net_kg,
			unit_price     = excluded.unit_price,
			recorded_at    = excluded.recorded_at
	`, w.ID.Origin, w.ID.Local, w.UpdatedAt, w.Deleted,
		w.SessionID.Origin, w.SessionID.Local, w.MetalTypeID.Origin, w.MetalTypeID.Local,
		w.GrossKg, w.TareKg, w.NetKg, w.UnitPrice, w.RecordedAt)
	return err
}

// --- BiometricRecord ---

func (s *Store) SaveBiometricRecord(b *models.BiometricRecord) error {
	return s.WithTx(func(tx *sql.Tx) error {
		return s.saveTx(tx, models.EntityBiometricRecord, &b.SyncMeta, b, func(tx *sql.Tx) error {
			return upsertBiometricRecordTx(tx, b)
		})
	})
}

func (s *Store) DeleteBiometricRecord(id models.EntityID) error {
	return s.WithTx(func(tx *sql.Tx) error {
		b, err := getBiometricRecord(tx, id)
		if err != nil {
			return err
		}
		if b.Deleted {
			return nil
		}
		b.Deleted = true
		b.UpdatedAt = s.clock.Next()
		if err := upsertBiometricRecordTx(tx, b); err != nil {
			return err
		}
		entry, err := changeEntry(models.EntityBiometricRecord, b.SyncMeta, models.OpDelete, b)
		if err != nil {
			return err
		}
		return appendChangeTx(tx, entry, "")
	})
}

func (s *Store) GetBiometricRecord(id models.EntityID) (*models.BiometricRecord, error) {
	return getBiometricRecord(s.db, id)
}

func (s *Store) BiometricByCustomer(customerID models.EntityID) (*models.BiometricRecord, error) {
	var b models.BiometricRecord
	err := s.db.QueryRow(`
		SELECT origin_id, local_id, updated_at, deleted, customer_origin, customer_local,
		       face_ref, fingerprint_ref, signature_ref
		FROM biometric_records
		WHERE customer_origin = ? AND customer_local = ? AND deleted = 0
		ORDER BY updated_at DESC LIMIT 1
	`, customerID.Origin, customerID.Local).Scan(&b.ID.Origin, &b.ID.Local, &b.UpdatedAt, &b.Deleted,
		&b.CustomerID.Origin, &b.CustomerID.Local, &b.FaceRef, &b.FingerprintRef, &b.SignatureRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func getBiometricRecord(q querier, id models.EntityID) (*models.BiometricRecord, error) {
	var b models.BiometricRecord
	err := q.QueryRow(`
		SELECT origin_id, local_id, updated_at, deleted, customer_origin, customer_local,
		       face_ref, fingerprint_ref, signature_ref
		FROM biometric_records WHERE origin_id = ? AND local_id = ?
	`, id.Origin, id.Local).Scan(&b.ID.Origin, &b.ID.Local, &b.UpdatedAt, &b.Deleted,
		&b.CustomerID.Origin, &b.CustomerID.Local, &b.FaceRef, &b.FingerprintRef, &b.SignatureRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func upsertBiometricRecordTx(tx *sql.Tx, b *models.BiometricRecord) error {
	_, err := tx.Exec(`
		INSERT INTO biometric_records (origin_id, local_id, updated_at, deleted, customer_origin, customer_local,
			face_ref, fingerprint_ref, signature_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(origin_id, local_id) DO UPDATE SET
			updated_at      = excluded.updated_at,
			deleted         = excluded.deleted,
			customer_origin = excluded.customer_origin,
			customer_local  = excluded.customer_local,
			face_ref        = excluded.face_ref,
			fingerprint_ref = excluded.fingerprint_ref,
			signature_ref   = excluded.signature_ref
	`, b.ID.Origin, b.ID.Local, b.UpdatedAt, b.Deleted,
		b.CustomerID.Origin, b.CustomerID.Local, b.FaceRef, b.FingerprintRef, b.SignatureRef)
	return err
}

// --- MetalType ---

func (s *Store) SaveMetalType(m *models.MetalType) error {
	return s.WithTx(func(tx *sql.Tx) error {
		return s.saveTx(tx, models.EntityMetalType, &m.SyncMeta, m, func(tx *sql.Tx) error {
			return upsertMetalTypeTx(tx, m)
		})
	})
}

func (s *Store) DeleteMetalType(id models.EntityID) error {
	return s.WithTx(func(tx *sql.Tx) error {
		m, err := getMetalType(tx, id)
		if err != nil {
			return err
		}
		if m.Deleted {
			return nil
		}
		m.Deleted = true
		m.UpdatedAt = s.clock.Next()
		if err := upsertMetalTypeTx(tx, m); err != nil {
			return err
		}
		entry, err := changeEntry(models.EntityMetalType, m.SyncMeta, models.OpDelete, m)
		if err != nil {
			return err
		}
		return appendChangeTx(tx, entry, "")
	})
}

func (s *Store) GetMetalType(id models.EntityID) (*models.MetalType, error) {
	return getMetalType(s.db, id)
}

func (s *Store) ListMetalTypes() ([]models.MetalType, error) {
	rows, err := s.db.Query(`
		SELECT origin_id, local_id, updated_at, deleted, name, code, price_per_kg
		FROM metal_types WHERE deleted = 0 ORDER BY name, origin_id, local_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MetalType
	for rows.Next() {
		var m models.MetalType
		if err := rows.Scan(&m.ID.Origin, &m.ID.Local, &m.UpdatedAt, &m.Deleted,
			&m.Name, &m.Code, &m.PricePerKg); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func getMetalType(q querier, id models.EntityID) (*models.MetalType, error) {
	var m models.MetalType
	err := q.QueryRow(`
		SELECT origin_id, local_id, updated_at, deleted, name, code, price_per_kg
		FROM metal_types WHERE origin_id = ? AND local_id = ?
	`, id.Origin, id.Local).Scan(&m.ID.Origin, &m.ID.Local, &m.UpdatedAt, &m.Deleted,
		&m.Name, &m.Code, &m.PricePerKg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func upsertMetalTypeTx(tx *sql.Tx, m *models.MetalType) error {
	_, err := tx.Exec(`
		INSERT INTO metal_types (origin_id, local_id, updated_at, deleted, name, code, price_per_kg)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(origin_id, local_id) DO UPDATE SET
			updated_at   = excluded.updated_at,
			deleted      = excluded.deleted,
			name         = excluded.name,
			code         = excluded.code,
			price_per_kg = excluded.price_per_kg
	`, m.ID.Origin, m.ID.Local, m.UpdatedAt, m.Deleted, m.Name, m.Code, m.PricePerKg)
	return err
}

// tableFor maps an entity type to its table. Unknown types return "".
func tableFor(et models.EntityType) string {
	switch et {
	case models.EntityCustomer:
		return "customers"
	case models.EntityVehicle:
		return "vehicles"
	case models.EntityWeighingSession:
		return "weighing_sessions"
	case models.EntityWeighing:
		return "weighings"
	case models.EntityBiometricRecord:
		return "biometric_records"
	case models.EntityMetalType:
		return "metal_types"
	default:
		return ""
	}
}
