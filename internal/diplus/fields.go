package diplus

// Field maps a short key used in the request template onto the Chinese
// parameter name the Di-Plus head-unit API understands.
type Field struct {
	Key         string
	ChineseName string
	Unit        string
}

const (
	keySoC      = "soc"
	keyMileage  = "mileage"
	keyPower    = "power"
	keyGunState = "gun_state"
	keyCharging = "charging_status"
)

// gunConnected is the ChargeGunState value reported while a plug is inserted.
const gunConnected = 2

// Fields are the readings a charge tracker needs; everything else the head
// unit exposes is left out of the request.
var Fields = []Field{
	{keySoC, "电量百分比", "%"},
	{keyMileage, "里程", "km"},
	{keyPower, "发动机功率", "kW"},
	{keyGunState, "充电枪插枪状态", ""},
	{keyCharging, "充电状态", ""},
}
