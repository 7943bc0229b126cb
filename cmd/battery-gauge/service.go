/*
battery-gauge - INA226 battery fuel gauge
Copyright (C) 2025, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package main

import (
	"encoding/json"
	"errors"

	"github.com/TheCacophonyProject/battery-gauge/gauge"
	"github.com/godbus/dbus"
	"github.com/godbus/dbus/introspect"
)

const (
	dbusName = "org.cacophony.BatteryGauge"
	dbusPath = "/org/cacophony/BatteryGauge"
)

type service struct {
	latest   func() gauge.Sample
	commands *commandQueue
}

func startService(latest func() gauge.Sample, commands *commandQueue) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return err
	}
	reply, err := conn.RequestName(dbusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return errors.New("name already taken")
	}

	s := &service{
		latest:   latest,
		commands: commands,
	}
	conn.Export(s, dbusPath, dbusName)
	conn.Export(genIntrospectable(s), dbusPath, "org.freedesktop.DBus.Introspectable")
	return nil
}

func genIntrospectable(v interface{}) introspect.Introspectable {
	node := &introspect.Node{
		Interfaces: []introspect.Interface{{
			Name:    dbusName,
			Methods: introspect.Methods(v),
		}},
	}
	return introspect.NewIntrospectable(node)
}

// Sample returns the latest battery sample as JSON.
func (s service) Sample() (string, *dbus.Error) {
	data, err := json.Marshal(s.latest())
	if err != nil {
		return "", makeDbusError(".SampleError", err)
	}
	return string(data), nil
}

// ResetState re-derives the battery state from the next voltage reading.
func (s service) ResetState() *dbus.Error {
	log.Info("battery state reset requested")
	s.commands.push(gauge.CommandReset)
	return nil
}

// ClearState erases the persisted battery state and re-derives it from the
// next voltage reading.
func (s service) ClearState() *dbus.Error {
	log.Info("battery state clear requested")
	s.commands.push(gauge.CommandEraseAndReset)
	return nil
}

func makeDbusError(name string, err error) *dbus.Error {
	return &dbus.Error{
		Name: dbusName + name,
		Body: []interface{}{err.Error()},
	}
}

// sendBatterySignal publishes a battery reading on the system bus for other
// services to listen to.
func sendBatterySignal(voltage, percent float64) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return err
	}
	sig := &dbus.Signal{
		Path: dbus.ObjectPath(dbusPath),
		Name: dbusName + ".Battery",
		Body: []interface{}{voltage, percent},
	}
	return conn.Emit(sig.Path, sig.Name, sig.Body...)
}
