// SPDX-FileCopyrightText: (c) 2024 The rcs-collector authors
// SPDX-License-Identifier: AGPL-3.0-only

package nc

import "github.com/azera85/rcs-collector/nc/registry"

// DB is the slice of the upstream metadata store consumed by the
// controller.
type DB interface {
	// Anonymizers returns the current anonymizer records.
	Anonymizers() ([]*registry.Element, error)

	// Injectors returns the current injector records.
	Injectors() ([]*registry.Element, error)

	// UpdateStatus records a monitor entry for a network element.
	UpdateStatus(name, address, status, msg string, stats map[string]interface{}, kind, version string) error

	// UpdateCollectorVersion records an anonymizer's reported version.
	UpdateCollectorVersion(id, version string) error

	// UpdateInjectorVersion records an injector's reported version.
	UpdateInjectorVersion(id, version string) error

	// CollectorAddLog appends a log line for an anonymizer.
	CollectorAddLog(id string, when int64, kind, desc string) error

	// InjectorAddLog appends a log line for an injector.
	InjectorAddLog(id string, when int64, kind, desc string) error

	// InjectorConfig returns the pending config blob for an injector, or
	// an empty slice when there is none.
	InjectorConfig(id string) ([]byte, error)

	// InjectorUpgrade returns the pending upgrade blob for an injector,
	// or an empty slice when there is none.
	InjectorUpgrade(id string) ([]byte, error)
}
