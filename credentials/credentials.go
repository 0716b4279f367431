// Package credentials embeds the WiFi join parameters for the netboot
// transport. Populate ssid.text and password.text in this directory
// before building netboot-enabled firmware; the files are deliberately
// not part of any release artifact.
package credentials

import (
	_ "embed"
)

var (
	//go:embed ssid.text
	ssid string
	//go:embed password.text
	pass string
)

// SSID returns the contents of the ssid.text file in this package.
// If the firmware fails to join the network, check that ssid.text and
// password.text name the network the programming host is on.
func SSID() string {
	return ssid
}

// Password returns the contents of the password.text file in this package.
func Password() string {
	return pass
}
