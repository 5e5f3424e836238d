package metrics

// Metric names. They double as Home Assistant entity IDs and state keys.
const (
	ChargeToChargeMilesPerKWh     = "charge_to_charge_miles_per_kwh"
	ChargeToChargeMilesPerPercent = "charge_to_charge_miles_per_percent"
	DriveToDriveMilesPerKWh       = "drive_to_drive_miles_per_kwh"
	DriveToDriveMilesPerPercent   = "drive_to_drive_miles_per_percent"
	ContinuousMilesPerKWh         = "continuous_miles_per_kwh"
	ContinuousMilesPerPercent     = "continuous_miles_per_percent"

	HomeSessionEnergy     = "home_session_energy"
	HomeSessionCost       = "home_session_cost"
	HomeSessionSavings    = "home_session_savings"
	HomeSessionCostPerKWh = "home_session_cost_per_kwh"
	HomeLifetimeEnergy    = "home_lifetime_energy"
	HomeLifetimeCost      = "home_lifetime_cost"
	HomeLifetimeSavings   = "home_lifetime_savings"

	PublicSessionEnergy  = "public_session_energy"
	PublicSessionCost    = "public_session_cost"
	PublicLifetimeEnergy = "public_lifetime_energy"
	PublicLifetimeCost   = "public_lifetime_cost"
	PublicAvgCostPerKWh  = "public_avg_cost_per_kwh"
	PublicAvgMilesPerKWh = "public_avg_miles_per_kwh"
	PublicCostPerMile    = "public_cost_per_mile"

	IdleSessionLoss  = "idle_session_loss"
	IdleLifetimeLoss = "idle_lifetime_loss"

	TotalEnergy = "total_energy"
	TotalCost   = "total_cost"

	PublicChargingDetected = "public_charging_detected"
)

// Kind is the Home Assistant entity platform a metric is exposed as.
type Kind string

const (
	KindSensor       Kind = "sensor"
	KindBinarySensor Kind = "binary_sensor"
)

// Definition describes one published metric.
type Definition struct {
	Name        string
	DisplayName string
	Kind        Kind
	Unit        string
	DeviceClass string
	StateClass  string
	Icon        string
}

const currencyUnit = "{currency}"

// AllMetrics is the canonical metric table. Units containing {currency} are
// expanded when a Registry is built.
var AllMetrics = []Definition{
	{Name: ChargeToChargeMilesPerKWh, DisplayName: "Charge to Charge Efficiency", Kind: KindSensor, Unit: "mi/kWh", StateClass: "measurement", Icon: "mdi:ev-station"},
	{Name: ChargeToChargeMilesPerPercent, DisplayName: "Charge to Charge Miles per %", Kind: KindSensor, Unit: "mi/%", StateClass: "measurement", Icon: "mdi:ev-station"},
	{Name: DriveToDriveMilesPerKWh, DisplayName: "Drive Efficiency", Kind: KindSensor, Unit: "mi/kWh", StateClass: "measurement", Icon: "mdi:car-electric"},
	{Name: DriveToDriveMilesPerPercent, DisplayName: "Drive Miles per %", Kind: KindSensor, Unit: "mi/%", StateClass: "measurement", Icon: "mdi:car-electric"},
	{Name: ContinuousMilesPerKWh, DisplayName: "Live Efficiency", Kind: KindSensor, Unit: "mi/kWh", StateClass: "measurement", Icon: "mdi:speedometer"},
	{Name: ContinuousMilesPerPercent, DisplayName: "Miles per SoC %", Kind: KindSensor, Unit: "mi/%", StateClass: "measurement", Icon: "mdi:battery-arrow-down"},

	{Name: HomeSessionEnergy, DisplayName: "Home Charge Energy", Kind: KindSensor, Unit: "kWh", DeviceClass: "energy", StateClass: "measurement"},
	{Name: HomeSessionCost, DisplayName: "Home Charge Cost", Kind: KindSensor, Unit: currencyUnit, DeviceClass: "monetary"},
	{Name: HomeSessionSavings, DisplayName: "Home Charge Savings", Kind: KindSensor, Unit: currencyUnit, DeviceClass: "monetary"},
	{Name: HomeSessionCostPerKWh, DisplayName: "Home Charge Cost per kWh", Kind: KindSensor, Unit: currencyUnit + "/kWh", StateClass: "measurement"},
	{Name: HomeLifetimeEnergy, DisplayName: "Home Energy", Kind: KindSensor, Unit: "kWh", DeviceClass: "energy", StateClass: "total_increasing"},
	{Name: HomeLifetimeCost, DisplayName: "Home Cost", Kind: KindSensor, Unit: currencyUnit, DeviceClass: "monetary", StateClass: "total"},
	{Name: HomeLifetimeSavings, DisplayName: "Home Savings", Kind: KindSensor, Unit: currencyUnit, DeviceClass: "monetary", StateClass: "total"},

	{Name: PublicSessionEnergy, DisplayName: "Public Charge Energy", Kind: KindSensor, Unit: "kWh", DeviceClass: "energy", StateClass: "measurement"},
	{Name: PublicSessionCost, DisplayName: "Public Charge Cost", Kind: KindSensor, Unit: currencyUnit, DeviceClass: "monetary"},
	{Name: PublicLifetimeEnergy, DisplayName: "Public Energy", Kind: KindSensor, Unit: "kWh", DeviceClass: "energy", StateClass: "total_increasing"},
	{Name: PublicLifetimeCost, DisplayName: "Public Cost", Kind: KindSensor, Unit: currencyUnit, DeviceClass: "monetary", StateClass: "total"},
	{Name: PublicAvgCostPerKWh, DisplayName: "Public Average Cost per kWh", Kind: KindSensor, Unit: currencyUnit + "/kWh", StateClass: "measurement"},
	{Name: PublicAvgMilesPerKWh, DisplayName: "Public Average Efficiency", Kind: KindSensor, Unit: "mi/kWh", StateClass: "measurement"},
	{Name: PublicCostPerMile, DisplayName: "Public Cost per Mile", Kind: KindSensor, Unit: currencyUnit + "/mi", StateClass: "measurement"},

	{Name: IdleSessionLoss, DisplayName: "Idle Loss", Kind: KindSensor, Unit: "kWh", DeviceClass: "energy", StateClass: "measurement", Icon: "mdi:battery-minus"},
	{Name: IdleLifetimeLoss, DisplayName: "Idle Loss Total", Kind: KindSensor, Unit: "kWh", DeviceClass: "energy", StateClass: "total_increasing", Icon: "mdi:battery-minus"},

	{Name: TotalEnergy, DisplayName: "Total Charging Energy", Kind: KindSensor, Unit: "kWh", DeviceClass: "energy", StateClass: "total_increasing"},
	{Name: TotalCost, DisplayName: "Total Charging Cost", Kind: KindSensor, Unit: currencyUnit, DeviceClass: "monetary", StateClass: "total"},

	{Name: PublicChargingDetected, DisplayName: "Public Charging", Kind: KindBinarySensor, DeviceClass: "battery_charging"},
}

// GetDefinition looks a metric up by name.
func GetDefinition(name string) *Definition {
	for i := range AllMetrics {
		if AllMetrics[i].Name == name {
			return &AllMetrics[i]
		}
	}
	return nil
}
