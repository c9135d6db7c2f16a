package domain

type Car struct {
	ID           string `json:"id" toml:"id"`
	LicensePlate string `json:"licensePlate" toml:"license_plate"`
	Make         string `json:"make" toml:"make"`
	Model        string `json:"model" toml:"model"`
	Year         int    `json:"year" toml:"year"`
	CustomerID   string `json:"customerId" toml:"customer_id"`
}

type Customer struct {
	ID    string `json:"id" toml:"id"`
	Name  string `json:"name" toml:"name"`
	Phone string `json:"phone" toml:"phone"`
	Email string `json:"email,omitempty" toml:"email"`
}

type Mechanic struct {
	ID              string   `json:"id" toml:"id"`
	Name            string   `json:"name" toml:"name"`
	Specialties     []string `json:"specialties" toml:"specialties"`
	IsAvailable     bool     `json:"isAvailable" toml:"is_available"`
	CurrentWorkload int      `json:"currentWorkload" toml:"-"`
}

type WorkingHours struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// GarageCapacity describes the physical limits of the garage.
type GarageCapacity struct {
	TotalLifts         int          `json:"totalLifts"`
	AvailableLifts     int          `json:"availableLifts"`
	TotalMechanics     int          `json:"totalMechanics"`
	AvailableMechanics int          `json:"availableMechanics"`
	WorkingHours       WorkingHours `json:"workingHours"`
}

// ConcurrencyLimit is the number of appointments that may run at the same
// time garage-wide. Zero means no limit is known.
func (c GarageCapacity) ConcurrencyLimit() int {
	switch {
	case c.AvailableLifts <= 0:
		return c.AvailableMechanics
	case c.AvailableMechanics <= 0:
		return c.AvailableLifts
	case c.AvailableLifts < c.AvailableMechanics:
		return c.AvailableLifts
	default:
		return c.AvailableMechanics
	}
}
