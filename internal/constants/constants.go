// Package constants provides centralized domain-specific constants
// for the entire daqd application.
package constants

// =============================================================================
// Partition Modes - calendar bucketing of source and archive directories
// =============================================================================

const (
	// PartitionNone keeps files in a flat directory.
	PartitionNone = "none"

	// PartitionDaily buckets files under YYYY/MM/DD.
	PartitionDaily = "daily"

	// PartitionMonthly buckets files under YYYY/MM.
	PartitionMonthly = "monthly"
)

// ValidPartitionModes contains all valid partition mode values
var ValidPartitionModes = []string{PartitionNone, PartitionDaily, PartitionMonthly}

// IsValidPartitionMode checks if a mode is valid
func IsValidPartitionMode(mode string) bool {
	for _, m := range ValidPartitionModes {
		if m == mode {
			return true
		}
	}
	return false
}

// =============================================================================
// Task Kinds - what a scheduled per-instrument task does
// =============================================================================

const (
	// KindPoll queries an instrument and appends records to rotation files.
	KindPoll = "poll"

	// KindSync pulls settled files from a bucketed external share.
	KindSync = "sync"

	// KindDrain stages and moves settled files out of a flat drop directory.
	KindDrain = "drain"
)

// ValidKinds contains all valid instrument kinds
var ValidKinds = []string{KindPoll, KindSync, KindDrain}

// IsValidKind checks if a kind is valid
func IsValidKind(kind string) bool {
	for _, k := range ValidKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// =============================================================================
// Transports - how a poll instrument is reached
// =============================================================================

const (
	TransportSerial   = "serial"
	TransportTCP      = "tcp"
	TransportSNMP     = "snmp"
	TransportSimulate = "simulate"
)

// ValidTransports contains all valid transport values
var ValidTransports = []string{TransportSerial, TransportTCP, TransportSNMP, TransportSimulate}

// IsValidTransport checks if a transport is valid
func IsValidTransport(transport string) bool {
	for _, t := range ValidTransports {
		if t == transport {
			return true
		}
	}
	return false
}

// =============================================================================
// Staging Formats
// =============================================================================

const (
	// FormatRaw is a verbatim copy under the original filename.
	FormatRaw = "raw"

	// FormatArchive is a single-entry deflate zip named <stem>.zip.
	FormatArchive = "archive"
)

// =============================================================================
// Settling Delays (seconds)
// =============================================================================

const (
	// DefaultSettlingDelaySec applies to none and daily partitioning.
	DefaultSettlingDelaySec = 3600

	// MonthlySettlingDelaySec applies to monthly partitioning.
	MonthlySettlingDelaySec = 86400
)

// DefaultSettlingDelay returns the mode-dependent default settling delay.
func DefaultSettlingDelay(mode string) int {
	if mode == PartitionMonthly {
		return MonthlySettlingDelaySec
	}
	return DefaultSettlingDelaySec
}

// =============================================================================
// Reporting Intervals (minutes)
// =============================================================================

const (
	// ShortReportingInterval is the only sub-hourly bin size.
	ShortReportingInterval = 10

	// MinutesPerDay bounds hourly-multiple reporting intervals.
	MinutesPerDay = 1440
)

// IsValidReportingInterval reports whether minutes is 10 or a multiple of 60
// not exceeding a day.
func IsValidReportingInterval(minutes int) bool {
	if minutes == ShortReportingInterval {
		return true
	}
	return minutes > 0 && minutes%60 == 0 && minutes <= MinutesPerDay
}

// =============================================================================
// File Naming
// =============================================================================

const (
	// DataFileExt is the extension of rotation files.
	DataFileExt = ".dat"

	// ArchiveExt is the extension of staged archives.
	ArchiveExt = ".zip"

	// StagingTempDir holds artifacts being written, under the staging root.
	StagingTempDir = ".tmp"

	// BinLabelLayout formats the start of a bin.
	BinLabelLayout = "200601021504"

	// RecordTimestampLayout prefixes records when timestamp_records is set.
	RecordTimestampLayout = "2006-01-02 15:04:05"

	// DumpLabelLayout names buffer dump files.
	DumpLabelLayout = "20060102150405"
)
