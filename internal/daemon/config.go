// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package daemon

// Config holds everything needed to start the daemon, assembled by
// cmd/pesignd from flags, environment, and an optional config file via
// viper.
type Config struct {
	// SocketPath is the Unix domain socket the daemon listens on.
	SocketPath string

	// PIDFile is written with the daemon's pid before privileges are
	// dropped.
	PIDFile string

	// User and Group the daemon runs as after binding the socket and
	// writing the pidfile. Running as uid/gid 0 is refused.
	User  string
	Group string

	// PKCS11Module is the path to the PKCS#11 shared object used as the
	// Key Provider.
	PKCS11Module string

	// DefaultNickname is the certificate/key nickname used when a
	// request does not name one explicitly.
	DefaultNickname string

	// ComputeSHA1 additionally computes and embeds a SHA-1 Authenticode
	// digest alongside SHA-256, per the Open Question resolution
	// favoring dual-hash compatibility over a SHA-256-only simplification.
	ComputeSHA1 bool

	// LogLevel is the minimum level the process logger emits.
	LogLevel string
}

// DefaultConfig returns the configuration the original daemon ships with.
func DefaultConfig() Config {
	return Config{
		SocketPath:      "/var/run/pesign/socket",
		PIDFile:         "/var/run/pesign.pid",
		User:            "pesign",
		Group:           "pesign",
		PKCS11Module:    "/usr/lib64/pkcs11/libsofthsm2.so",
		DefaultNickname: "",
		ComputeSHA1:     false,
		LogLevel:        "info",
	}
}
