package config

import "time"

// Application-wide timing defaults.
const (
	DiplusPollInterval   = 8 * time.Second  // poll the head unit
	MQTTTransmitInterval = 60 * time.Second // publish unchanged metrics at most this often
	StoreFlushInterval   = 30 * time.Second // background persistence of resume state

	DiplusTimeout = 8 * time.Second
	MQTTTimeout   = 5 * time.Second

	DefaultHTTPAddr = "127.0.0.1:8989"
	DefaultDBPath   = "ev-charge-tracker.db"
)
