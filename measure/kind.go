// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package measure defines the body-measurement data model shared by the sync
// engine, the local record store and the transport codec.
package measure

import (
	"fmt"
)

// Kind is the closed set of measurement kinds known to the app
type Kind string

// Measured kinds (synced with the backend)
const (
	KindWeight   Kind = "weight"
	KindHeight   Kind = "height"
	KindBodyFat  Kind = "bodyFat"
	KindWaist    Kind = "waist"
	KindBicep    Kind = "bicep"
	KindChest    Kind = "chest"
	KindThigh    Kind = "thigh"
	KindShoulder Kind = "shoulder"
	KindGlutes   Kind = "glutes"
	KindCalf     Kind = "calf"
	KindNeck     Kind = "neck"
	KindForearm  Kind = "forearm"
)

// Derived kinds (computed locally, never synced)
const (
	KindBMI             Kind = "bmi"
	KindLeanBodyMass    Kind = "leanBodyMass"
	KindFatMass         Kind = "fatMass"
	KindFFMI            Kind = "ffmi"
	KindBMR             Kind = "bmr"
	KindBodySurfaceArea Kind = "bodySurfaceArea"
)

// Unit describes how a kind's value is expressed
type Unit string

const (
	UnitKilograms   Unit = "kg"
	UnitCentimeters Unit = "cm"
	UnitPercent     Unit = "%"
	UnitKgPerM2     Unit = "kg/m2"
	UnitKcal        Unit = "kcal"
	UnitSquareMeter Unit = "m2"
)

type kindInfo struct {
	remoteTypeID int // 0 for derived kinds
	unit         Unit
	derived      bool
}

var kinds = map[Kind]kindInfo{
	KindWeight:   {remoteTypeID: 1, unit: UnitKilograms},
	KindHeight:   {remoteTypeID: 2, unit: UnitCentimeters},
	KindBodyFat:  {remoteTypeID: 3, unit: UnitPercent},
	KindWaist:    {remoteTypeID: 4, unit: UnitCentimeters},
	KindBicep:    {remoteTypeID: 5, unit: UnitCentimeters},
	KindChest:    {remoteTypeID: 6, unit: UnitCentimeters},
	KindThigh:    {remoteTypeID: 7, unit: UnitCentimeters},
	KindShoulder: {remoteTypeID: 8, unit: UnitCentimeters},
	KindGlutes:   {remoteTypeID: 9, unit: UnitCentimeters},
	KindCalf:     {remoteTypeID: 10, unit: UnitCentimeters},
	KindNeck:     {remoteTypeID: 11, unit: UnitCentimeters},
	KindForearm:  {remoteTypeID: 12, unit: UnitCentimeters},

	KindBMI:             {unit: UnitKgPerM2, derived: true},
	KindLeanBodyMass:    {unit: UnitKilograms, derived: true},
	KindFatMass:         {unit: UnitKilograms, derived: true},
	KindFFMI:            {unit: UnitKgPerM2, derived: true},
	KindBMR:             {unit: UnitKcal, derived: true},
	KindBodySurfaceArea: {unit: UnitSquareMeter, derived: true},
}

var byRemoteType = func() map[int]Kind {
	m := make(map[int]Kind, len(kinds))
	for k, info := range kinds {
		if !info.derived {
			m[info.remoteTypeID] = k
		}
	}
	return m
}()

// SyncKinds lists measured kinds in remote type id order
var SyncKinds = []Kind{
	KindWeight, KindHeight, KindBodyFat, KindWaist, KindBicep, KindChest,
	KindThigh, KindShoulder, KindGlutes, KindCalf, KindNeck, KindForearm,
}

// DerivedKinds lists kinds computed on device only
var DerivedKinds = []Kind{
	KindBMI, KindLeanBodyMass, KindFatMass, KindFFMI, KindBMR, KindBodySurfaceArea,
}

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// IsDerived reports whether k is computed locally and excluded from sync
func (k Kind) IsDerived() bool {
	return kinds[k].derived
}

// Unit returns the unit values of this kind are expressed in
func (k Kind) Unit() Unit {
	return kinds[k].unit
}

// RemoteTypeID returns the backend numeric type id for k.
// Derived and unknown kinds have no remote type.
func (k Kind) RemoteTypeID() (int, bool) {
	info, ok := kinds[k]
	if !ok || info.derived {
		return 0, false
	}
	return info.remoteTypeID, true
}

// KindForRemoteType maps a backend type id back to a measured kind
func KindForRemoteType(id int) (Kind, bool) {
	k, ok := byRemoteType[id]
	return k, ok
}

// ParseKind parses a kind name
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown measurement kind %q", s)
	}
	return k, nil
}

func (k Kind) String() string { return string(k) }
