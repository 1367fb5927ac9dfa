package store

import (
	"encoding/json"

	"scalesync/internal/models"
)

// Snapshot is a full dump of the record store, tombstones included, used by
// the backup engine.
type Snapshot struct {
	Customers        []models.Customer        `json:"customers"`
	Vehicles         []models.Vehicle         `json:"vehicles"`
	WeighingSessions []models.WeighingSession `json:"weighing_sessions"`
	Weighings        []models.Weighing        `json:"weighings"`
	BiometricRecords []models.BiometricRecord `json:"biometric_records"`
	MetalTypes       []models.MetalType       `json:"metal_types"`
}

// Counts returns per-table row counts for the backup manifest.
func (s Snapshot) Counts() map[string]int {
	return map[string]int{
		string(models.EntityCustomer):        len(s.Customers),
		string(models.EntityVehicle):         len(s.Vehicles),
		string(models.EntityWeighingSession): len(s.WeighingSessions),
		string(models.EntityWeighing):        len(s.Weighings),
		string(models.EntityBiometricRecord): len(s.BiometricRecords),
		string(models.EntityMetalType):       len(s.MetalTypes),
	}
}

// ArtifactRefs returns every artifact reference the snapshot points at.
func (s Snapshot) ArtifactRefs() []string {
	var refs []string
	for _, b := range s.BiometricRecords {
		refs = append(refs, b.ArtifactRefs()...)
	}
	return refs
}

// Export reads the whole store into a Snapshot.
func (s *Store) Export() (*Snapshot, error) {
	out := &Snapshot{}

	rows, err := s.db.Query(`SELECT origin_id, local_id, updated_at, deleted, name, phone, id_number, address FROM customers`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var c models.Customer
		if err := rows.Scan(&c.ID.Origin, &c.ID.Local, &c.UpdatedAt, &c.Deleted, &c.Name, &c.Phone, &c.IDNumber, &c.Address); err != nil {
			rows.Close()
			return nil, err
		}
		out.Customers = append(out.Customers, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(`SELECT origin_id, local_id, updated_at, deleted, customer_origin, customer_local, plate, description FROM vehicles`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var v models.Vehicle
		if err := rows.Scan(&v.ID.Origin, &v.ID.Local, &v.UpdatedAt, &v.Deleted, &v.CustomerID.Origin, &v.CustomerID.Local, &v.Plate, &v.Description); err != nil {
			rows.Close()
			return nil, err
		}
		out.Vehicles = append(out.Vehicles, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(`SELECT origin_id, local_id, updated_at, deleted, customer_origin, customer_local, opened_at, closed_at, status, notes FROM weighing_sessions`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var ws models.WeighingSession
		if err := scanWeighingSession(rows.Scan, &ws); err != nil {
			rows.Close()
			return nil, err
		}
		out.WeighingSessions = append(out.WeighingSessions, ws)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(`SELECT origin_id, local_id, updated_at, deleted, session_origin, session_local, metal_origin, metal_local, gross_kg, tare_kg, net_kg, unit_price, recorded_at FROM weighings`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var w models.Weighing
		if err := scanWeighing(rows.Scan, &w); err != nil {
			rows.Close()
			return nil, err
		}
		out.Weighings = append(out.Weighings, w)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(`SELECT origin_id, local_id, updated_at, deleted, customer_origin, customer_local, face_ref, fingerprint_ref, signature_ref FROM biometric_records`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var b models.BiometricRecord
		if err := rows.Scan(&b.ID.Origin, &b.ID.Local, &b.UpdatedAt, &b.Deleted, &b.CustomerID.Origin, &b.CustomerID.Local, &b.FaceRef, &b.FingerprintRef, &b.SignatureRef); err != nil {
			rows.Close()
			return nil, err
		}
		out.BiometricRecords = append(out.BiometricRecords, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(`SELECT origin_id, local_id, updated_at, deleted, name, code, price_per_kg FROM metal_types`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var m models.MetalType
		if err := rows.Scan(&m.ID.Origin, &m.ID.Local, &m.UpdatedAt, &m.Deleted, &m.Name, &m.Code, &m.PricePerKg); err != nil {
			rows.Close()
			return nil, err
		}
		out.MetalTypes = append(out.MetalTypes, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

// ExportJSON marshals the full snapshot.
func (s *Store) ExportJSON() ([]byte, error) {
	snap, err := s.Export()
	if err != nil {
		return nil, err
	}
	return json.Marshal(snap)
}
