// Package config loads adapter configuration from an INI file (spec.md's
// ambient configuration surface, expanded — see SPEC_FULL.md §4.8), using
// the same gopkg.in/ini.v1 library the teacher uses to parse EDS files in
// pkg/od/parser.go. Every field has a built-in default, so a missing or
// empty path yields a fully usable Config rather than an error.
package config

import (
	"os"

	"gopkg.in/ini.v1"
)

// Host holds the host-link serial transport settings.
type Host struct {
	Device string
	Baud   int
}

// CAN holds the bitrate the CAN port is enabled at on startup. Each
// OPEN_CHANNEL re-enables the port at the baud carried in its own request.
type CAN struct {
	Baud int
}

// IsoTP holds the locally-advertised flow-control defaults.
type IsoTP struct {
	BlockSize int
	StMin     int
}

// KLine holds the ISO9141 timing defaults, all in milliseconds.
type KLine struct {
	P1Min, P1Max int
	P2Min, P2Max int
	P3Min, P3Max int
	P4Min, P4Max int
	W1, W2, W3, W4, W5 int
	TIdle, TInl, TWup  int
}

// Telemetry holds the read-only websocket tap's listen address.
type Telemetry struct {
	Addr string
}

// Config is the full set of adapter settings.
type Config struct {
	Host      Host
	CAN       CAN
	IsoTP     IsoTP
	KLine     KLine
	Telemetry Telemetry
}

// Default returns the built-in configuration, matching the reference
// firmware's compiled-in defaults (comm_channel_iso9141.cpp for the K-Line
// timing values).
func Default() *Config {
	return &Config{
		Host: Host{Device: "/dev/ttyUSB0", Baud: 115200},
		CAN:  CAN{Baud: 500000},
		IsoTP: IsoTP{
			BlockSize: 8,
			StMin:     0,
		},
		KLine: KLine{
			P1Min: 0, P1Max: 20,
			P2Min: 25, P2Max: 50,
			P3Min: 55, P3Max: 5000,
			P4Min: 5, P4Max: 20,
			W1: 300, W2: 20, W3: 20, W4: 50, W5: 300,
			TIdle: 300, TInl: 25, TWup: 50,
		},
		Telemetry: Telemetry{Addr: ":8088"},
	}
}

// Load reads path as an INI file and overlays it onto the defaults. An
// empty path, or a path that does not exist, returns the defaults
// unmodified rather than an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	f, err := ini.Load(path)
	if err != nil {
		return nil, err
	}

	host := f.Section("host")
	cfg.Host.Device = host.Key("device").MustString(cfg.Host.Device)
	cfg.Host.Baud = host.Key("baud").MustInt(cfg.Host.Baud)

	can := f.Section("can")
	cfg.CAN.Baud = can.Key("baud").MustInt(cfg.CAN.Baud)

	isotp := f.Section("isotp")
	cfg.IsoTP.BlockSize = isotp.Key("block_size").MustInt(cfg.IsoTP.BlockSize)
	cfg.IsoTP.StMin = isotp.Key("st_min").MustInt(cfg.IsoTP.StMin)

	kline := f.Section("kline")
	cfg.KLine.P1Min = kline.Key("p1_min").MustInt(cfg.KLine.P1Min)
	cfg.KLine.P1Max = kline.Key("p1_max").MustInt(cfg.KLine.P1Max)
	cfg.KLine.P2Min = kline.Key("p2_min").MustInt(cfg.KLine.P2Min)
	cfg.KLine.P2Max = kline.Key("p2_max").MustInt(cfg.KLine.P2Max)
	cfg.KLine.P3Min = kline.Key("p3_min").MustInt(cfg.KLine.P3Min)
	cfg.KLine.P3Max = kline.Key("p3_max").MustInt(cfg.KLine.P3Max)
	cfg.KLine.P4Min = kline.Key("p4_min").MustInt(cfg.KLine.P4Min)
	cfg.KLine.P4Max = kline.Key("p4_max").MustInt(cfg.KLine.P4Max)
	cfg.KLine.W1 = kline.Key("w1").MustInt(cfg.KLine.W1)
	cfg.KLine.W2 = kline.Key("w2").MustInt(cfg.KLine.W2)
	cfg.KLine.W3 = kline.Key("w3").MustInt(cfg.KLine.W3)
	cfg.KLine.W4 = kline.Key("w4").MustInt(cfg.KLine.W4)
	cfg.KLine.W5 = kline.Key("w5").MustInt(cfg.KLine.W5)
	cfg.KLine.TIdle = kline.Key("tidle").MustInt(cfg.KLine.TIdle)
	cfg.KLine.TInl = kline.Key("tinl").MustInt(cfg.KLine.TInl)
	cfg.KLine.TWup = kline.Key("twup").MustInt(cfg.KLine.TWup)

	telemetry := f.Section("telemetry")
	cfg.Telemetry.Addr = telemetry.Key("addr").MustString(cfg.Telemetry.Addr)

	return cfg, nil
}
