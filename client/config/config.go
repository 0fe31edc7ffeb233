// SPDX-FileCopyrightText: Copyright (C) 2018-2023  Yawning Angel, David Stainton.
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config implements the configuration for the mixnet client.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/katzenpost/mixclient/core/log"
	"github.com/katzenpost/mixclient/sphinx"
)

const (
	defaultLogLevel = "NOTICE"

	defaultDialTimeout     = 30 * 1000
	defaultRefreshInterval = 5 * 60 * 1000
	defaultMaxStaleness    = 30 * 60 * 1000
	defaultFetchTimeout    = 30 * 1000

	defaultAveragePacketDelay         = 50
	defaultMessageSendingAverageDelay = 20
	defaultQueueWarnThreshold         = 1000

	defaultLoopCoverTrafficAverageDelay = 200

	defaultAverageAckDelay    = 50
	defaultAckWaitMultiplier  = 1.5
	defaultAckWaitAddition    = 1500
	defaultMaxRetransmissions = 10

	defaultStalenessTimeout = 5 * 60 * 1000

	defaultReplyKeyFile   = "reply_keys.db"
	defaultKeysFile       = "keys.cbor"
	defaultReplyKeyMaxAge = 24 * 60 * 60 * 1000
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	if lCfg.Level == "" {
		lCfg.Level = defaultLogLevel
	}
	lCfg.Level = strings.ToUpper(lCfg.Level)
	if err := log.ValidateLevel(lCfg.Level); err != nil {
		return fmt.Errorf("config: Logging: %w", err)
	}
	return nil
}

// Gateway is the client's gateway, the entry and exit point of all of its
// traffic.
type Gateway struct {
	// Address is the gateway's QUIC address.
	Address string

	// ServerName is the TLS server name, if the certificate is verified.
	ServerName string

	// ID is the base64url encoded node identifier of the gateway.
	ID string

	// VerifyCertificate enables WebPKI verification of the gateway's
	// certificate.
	VerifyCertificate bool

	// DialTimeout is the number of milliseconds a connection attempt may
	// take.
	DialTimeout int

	id [sphinx.NodeIDLength]byte
}

// NodeID returns the decoded gateway node identifier.
func (g *Gateway) NodeID() [sphinx.NodeIDLength]byte {
	return g.id
}

func (g *Gateway) validate() error {
	if g.Address == "" {
		return errors.New("config: Gateway: Address is not set")
	}
	b, err := base64.RawURLEncoding.DecodeString(g.ID)
	if err != nil || len(b) != sphinx.NodeIDLength {
		return fmt.Errorf("config: Gateway: ID '%v' is invalid", g.ID)
	}
	copy(g.id[:], b)
	if g.DialTimeout == 0 {
		g.DialTimeout = defaultDialTimeout
	}
	return nil
}

// Directory is the topology source.  Exactly one of URL and File is set.
type Directory struct {
	// URL is the HTTP location of the CBOR topology document.
	URL string

	// File is a local CBOR topology document.
	File string

	// RefreshInterval is the number of milliseconds between refreshes.
	RefreshInterval int

	// MaxStaleness is the age in milliseconds after which a topology that
	// could not be refreshed is reported as stale.
	MaxStaleness int

	// FetchTimeout bounds a single fetch, in milliseconds.
	FetchTimeout int
}

func (d *Directory) validate() error {
	switch {
	case d.URL == "" && d.File == "":
		return errors.New("config: Directory: one of URL or File must be set")
	case d.URL != "" && d.File != "":
		return errors.New("config: Directory: URL and File are mutually exclusive")
	}
	if d.RefreshInterval == 0 {
		d.RefreshInterval = defaultRefreshInterval
	}
	if d.MaxStaleness == 0 {
		d.MaxStaleness = defaultMaxStaleness
	}
	if d.FetchTimeout == 0 {
		d.FetchTimeout = defaultFetchTimeout
	}
	return nil
}

// Traffic is the real traffic configuration.
type Traffic struct {
	// AveragePacketDelay is the average per hop delay in milliseconds.
	AveragePacketDelay int

	// MessageSendingAverageDelay is the average delay in milliseconds
	// between two packets of the paced outbound stream.
	MessageSendingAverageDelay int

	// DisableMainPoissonPacketDistribution sends real packets as soon as
	// they are queued, and disables cover substitution on the paced
	// stream.
	DisableMainPoissonPacketDistribution bool

	// PrimaryPacketSize is the packet size of real traffic.
	PrimaryPacketSize sphinx.PacketSize

	// QueueWarnThreshold is the sender queue depth that triggers a
	// warning.
	QueueWarnThreshold int
}

func (t *Traffic) validate() error {
	if t.AveragePacketDelay == 0 {
		t.AveragePacketDelay = defaultAveragePacketDelay
	}
	if t.MessageSendingAverageDelay == 0 {
		t.MessageSendingAverageDelay = defaultMessageSendingAverageDelay
	}
	if t.QueueWarnThreshold == 0 {
		t.QueueWarnThreshold = defaultQueueWarnThreshold
	}
	if t.AveragePacketDelay < 0 || t.MessageSendingAverageDelay < 0 || t.QueueWarnThreshold < 0 {
		return errors.New("config: Traffic: delays and thresholds must be positive")
	}
	if !t.PrimaryPacketSize.Valid() || t.PrimaryPacketSize == sphinx.AckPacket {
		return fmt.Errorf("config: Traffic: PrimaryPacketSize %v is invalid", t.PrimaryPacketSize)
	}
	return nil
}

// CoverTraffic is the loop cover traffic configuration.
type CoverTraffic struct {
	// LoopCoverTrafficAverageDelay is the average delay in milliseconds
	// between two loop cover packets.
	LoopCoverTrafficAverageDelay int

	// MaxCoverDelay caps a single sampled delay, in milliseconds.  It
	// defaults to ten times the average.
	MaxCoverDelay int

	// CoverPacketSize is the packet size of loop cover traffic.
	CoverPacketSize sphinx.PacketSize

	// DisableLoopCoverTrafficStream disables the loop cover stream.
	DisableLoopCoverTrafficStream bool
}

func (c *CoverTraffic) validate() error {
	if c.LoopCoverTrafficAverageDelay == 0 {
		c.LoopCoverTrafficAverageDelay = defaultLoopCoverTrafficAverageDelay
	}
	if c.LoopCoverTrafficAverageDelay < 0 || c.MaxCoverDelay < 0 {
		return errors.New("config: CoverTraffic: delays must be positive")
	}
	if c.MaxCoverDelay != 0 && c.MaxCoverDelay < c.LoopCoverTrafficAverageDelay {
		return errors.New("config: CoverTraffic: MaxCoverDelay is below the average")
	}
	if !c.CoverPacketSize.Valid() || c.CoverPacketSize == sphinx.AckPacket {
		return fmt.Errorf("config: CoverTraffic: CoverPacketSize %v is invalid", c.CoverPacketSize)
	}
	return nil
}

// Acknowledgements is the acknowledgement and retransmission
// configuration.
type Acknowledgements struct {
	// AverageAckDelay is the average per hop delay of acks in milliseconds.
	AverageAckDelay int

	// AckWaitMultiplier scales the expected round trip time.
	AckWaitMultiplier float64

	// AckWaitAddition is added to the scaled round trip time, in
	// milliseconds.
	AckWaitAddition int

	// MaxRetransmissions is the retransmission budget of a fragment.
	MaxRetransmissions int
}

func (a *Acknowledgements) validate() error {
	if a.AverageAckDelay == 0 {
		a.AverageAckDelay = defaultAverageAckDelay
	}
	if a.AckWaitMultiplier == 0 {
		a.AckWaitMultiplier = defaultAckWaitMultiplier
	}
	if a.AckWaitAddition == 0 {
		a.AckWaitAddition = defaultAckWaitAddition
	}
	if a.MaxRetransmissions == 0 {
		a.MaxRetransmissions = defaultMaxRetransmissions
	}
	if a.AverageAckDelay < 0 || a.AckWaitAddition < 0 || a.MaxRetransmissions < 0 {
		return errors.New("config: Acknowledgements: values must be positive")
	}
	if a.AckWaitMultiplier < 1 {
		return errors.New("config: Acknowledgements: AckWaitMultiplier must be at least 1")
	}
	return nil
}

// Reassembly is the received message buffer configuration.
type Reassembly struct {
	// StalenessTimeout is the age in milliseconds after which an
	// incomplete message is discarded.
	StalenessTimeout int
}

func (r *Reassembly) validate() error {
	if r.StalenessTimeout == 0 {
		r.StalenessTimeout = defaultStalenessTimeout
	}
	if r.StalenessTimeout < 0 {
		return errors.New("config: Reassembly: StalenessTimeout must be positive")
	}
	return nil
}

// Storage is the persistent state configuration.
type Storage struct {
	// DataDir is the directory holding the client's state.
	DataDir string

	// ReplyKeyFile is the reply key database, relative to DataDir.
	ReplyKeyFile string

	// KeysFile is the key material file, relative to DataDir.
	KeysFile string

	// ReplyKeyMaxAge is the age in milliseconds after which unused reply
	// keys are pruned.
	ReplyKeyMaxAge int
}

// ReplyKeyPath returns the absolute reply key database path.
func (s *Storage) ReplyKeyPath() string {
	return filepath.Join(s.DataDir, s.ReplyKeyFile)
}

// KeysPath returns the absolute key material path.
func (s *Storage) KeysPath() string {
	return filepath.Join(s.DataDir, s.KeysFile)
}

func (s *Storage) validate() error {
	if s.DataDir == "" {
		return errors.New("config: Storage: DataDir is not set")
	}
	if !filepath.IsAbs(s.DataDir) {
		return fmt.Errorf("config: Storage: DataDir '%v' is not an absolute path", s.DataDir)
	}
	if s.ReplyKeyFile == "" {
		s.ReplyKeyFile = defaultReplyKeyFile
	}
	if s.KeysFile == "" {
		s.KeysFile = defaultKeysFile
	}
	if s.ReplyKeyMaxAge == 0 {
		s.ReplyKeyMaxAge = defaultReplyKeyMaxAge
	}
	return nil
}

// Metrics is the prometheus configuration.
type Metrics struct {
	// Address is the listen address of the metrics endpoint, disabled if
	// empty.
	Address string
}

// Debug is the debug configuration.
type Debug struct {
	// PyroscopeAddress is the continuous profiling server, disabled if
	// empty.
	PyroscopeAddress string
}

// Config is the top level client configuration.
type Config struct {
	Logging          *Logging
	Gateway          *Gateway
	Directory        *Directory
	Traffic          *Traffic
	CoverTraffic     *CoverTraffic
	Acknowledgements *Acknowledgements
	Reassembly       *Reassembly
	Storage          *Storage
	Metrics          *Metrics
	Debug            *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	if c.Gateway == nil {
		return errors.New("config: No Gateway block was present")
	}
	if c.Directory == nil {
		return errors.New("config: No Directory block was present")
	}
	if c.Storage == nil {
		return errors.New("config: No Storage block was present")
	}

	// Handle missing sections if possible.
	if c.Logging == nil {
		l := defaultLogging
		c.Logging = &l
	}
	if c.Traffic == nil {
		c.Traffic = new(Traffic)
	}
	if c.CoverTraffic == nil {
		c.CoverTraffic = new(CoverTraffic)
	}
	if c.Acknowledgements == nil {
		c.Acknowledgements = new(Acknowledgements)
	}
	if c.Reassembly == nil {
		c.Reassembly = new(Reassembly)
	}
	if c.Metrics == nil {
		c.Metrics = new(Metrics)
	}
	if c.Debug == nil {
		c.Debug = new(Debug)
	}

	for _, v := range []interface{ validate() error }{
		c.Logging,
		c.Gateway,
		c.Directory,
		c.Traffic,
		c.CoverTraffic,
		c.Acknowledgements,
		c.Reassembly,
		c.Storage,
	} {
		if err := v.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
