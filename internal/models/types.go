package models

// DeviceIdentity identifies one station installation. It is assigned once at
// first startup and injected into every component that needs to know which
// device it is running on.
type DeviceIdentity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// EntityType names one syncable table.
type EntityType string

const (
	EntityCustomer        EntityType = "customer"
	EntityVehicle         EntityType = "vehicle"
	EntityWeighingSession EntityType = "weighing_session"
	EntityWeighing        EntityType = "weighing"
	EntityBiometricRecord EntityType = "biometric_record"
	EntityMetalType       EntityType = "metal_type"
)

// EntityTypes lists every syncable entity type in apply order. Parents come
// before children so a page applied in this order never references a row that
// arrives later in the same page.
var EntityTypes = []EntityType{
	EntityMetalType,
	EntityCustomer,
	EntityVehicle,
	EntityWeighingSession,
	EntityWeighing,
	EntityBiometricRecord,
}

// EntityID is the globally-unique key of a syncable row: the id the row got
// on the device that created it, qualified by that device's id. Local ids are
// never reused, so the pair never collides across devices.
type EntityID struct {
	Origin string `json:"origin"`
	Local  int64  `json:"local"`
}

func (id EntityID) IsZero() bool {
	return id.Origin == "" && id.Local == 0
}

// SyncMeta carries the columns every syncable row shares.
type SyncMeta struct {
	ID        EntityID `json:"id"`
	UpdatedAt int64    `json:"updated_at"`
	Deleted   bool     `json:"deleted"`
}

func (m SyncMeta) Meta() SyncMeta { return m }

type Customer struct {
	SyncMeta
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	IDNumber string `json:"id_number"`
	Address  string `json:"address"`
}

type Vehicle struct {
	SyncMeta
	CustomerID  EntityID `json:"customer_id"`
	Plate       string   `json:"plate"`
	Description string   `json:"description"`
}

type WeighingSession struct {
	SyncMeta
	CustomerID EntityID `json:"customer_id"`
	OpenedAt   int64    `json:"opened_at"`
	ClosedAt   int64    `json:"closed_at"`
	Status     string   `json:"status"`
	Notes      string   `json:"notes"`
}

type Weighing struct {
	SyncMeta
	SessionID   EntityID `json:"session_id"`
	MetalTypeID EntityID `json:"metal_type_id"`
	GrossKg     float64  `json:"gross_kg"`
	TareKg      float64  `json:"tare_kg"`
	NetKg       float64  `json:"net_kg"`
	UnitPrice   float64  `json:"unit_price"`
	RecordedAt  int64    `json:"recorded_at"`
}

type BiometricRecord struct {
	SyncMeta
	CustomerID     EntityID `json:"customer_id"`
	FaceRef        string   `json:"face_ref"`
	FingerprintRef string   `json:"fingerprint_ref"`
	SignatureRef   string   `json:"signature_ref"`
}

// ArtifactRefs returns the non-empty artifact references the record points at.
// The binary content behind each ref transfers lazily, outside the change log.
func (b BiometricRecord) ArtifactRefs() []string {
	refs := make([]string, 0, 3)
	for _, r := range []string{b.FaceRef, b.FingerprintRef, b.SignatureRef} {
		if r != "" {
			refs = append(refs, r)
		}
	}
	return refs
}

type MetalType struct {
	SyncMeta
	Name       string  `json:"name"`
	Code       string  `json:"code"`
	PricePerKg float64 `json:"price_per_kg"`
}
