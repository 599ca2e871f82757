// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package probe

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var vendorPatterns = []struct {
	pattern *regexp.Regexp
	vendor  string
}{
	{regexp.MustCompile(`(?i)^DL2400`), "Seagate"},
	{regexp.MustCompile(`(?i)TOSHIBA`), "Toshiba"},
	{regexp.MustCompile(`(?i)^MG0[345678]`), "Toshiba"},
	{regexp.MustCompile(`(?i)INTEL`), "Intel"},
	{regexp.MustCompile(`(?i)KIOXIA`), "Kioxia"},
	{regexp.MustCompile(`(?i)WESTERN`), "WesternDigital"},
	{regexp.MustCompile(`(?i)WDC`), "WesternDigital"},
	{regexp.MustCompile(`(?i)^WD100`), "WesternDigital"},
	{regexp.MustCompile(`(?i)SEAGATE`), "Seagate"},
	{regexp.MustCompile(`(?i)^ST[12][0-9]`), "Seagate"},
	{regexp.MustCompile(`(?i)HGST`), "HGST"},
	{regexp.MustCompile(`(?i)^HU[HS]`), "HGST"},
	{regexp.MustCompile(`(?i)MICRON`), "Micron"},
	{regexp.MustCompile(`(?i)MTFDD`), "Micron"},
	{regexp.MustCompile(`(?i)SANDISK`), "SanDisk"},
	{regexp.MustCompile(`(?i)SAMSUNG`), "Samsung"},
	{regexp.MustCompile(`(?i)^MZ7`), "Samsung"},
}

// FindVendor guesses the manufacturer from a model string or family.
func FindVendor(model, family string) string {
	for _, entry := range vendorPatterns {
		if entry.pattern.MatchString(model) || entry.pattern.MatchString(family) {
			return entry.vendor
		}
	}
	return ""
}

// vendorAliases maps the vendor strings drives report to one spelling, so
// match records need only one entry per manufacturer.
var vendorAliases = map[string]string{
	"ata":             "",
	"nvme":            "",
	"hitachi":         "HGST",
	"hgst":            "HGST",
	"wdc":             "WesternDigital",
	"western digital": "WesternDigital",
	"westerndigital":  "WesternDigital",
	"seagate":         "Seagate",
	"toshiba":         "Toshiba",
	"kioxia":          "Kioxia",
	"intel":           "Intel",
	"micron":          "Micron",
	"samsung":         "Samsung",
	"sandisk":         "SanDisk",
}

// NormalizeVendor returns the canonical vendor for a drive. Generic
// transport names like "ATA" are replaced by a guess from the model.
func NormalizeVendor(vendor, model, family string) string {
	v := strings.ToLower(strings.TrimSpace(vendor))
	canonical, known := vendorAliases[v]
	if known && canonical != "" {
		return canonical
	}
	if !known && v != "" {
		return strings.TrimSpace(vendor)
	}

	if guess := FindVendor(model, family); guess != "" {
		return guess
	}
	log.Warn().Str("device_model", model).Str("vendor", vendor).Msg("Unknown vendor for device model")
	return ""
}

var oemVendors = []string{"lenovo", "dell", "hpe", "hp", "ibm", "netapp", "fujitsu"}

// OEMLabel describes rebranded drives, e.g. "Dell (Seagate OEM)". It
// returns "" when the drive is sold under its own brand.
func OEMLabel(vendor, model, product string) string {
	vendor = strings.ToLower(vendor)
	text := strings.ToLower(model + " " + product)

	caser := cases.Title(language.English)
	for _, oem := range oemVendors {
		if !strings.Contains(vendor, oem) {
			continue
		}
		maker := FindVendor(text, "")
		if maker == "" {
			return ""
		}
		name := caser.String(oem)
		if len(oem) <= 3 {
			name = strings.ToUpper(oem)
		}
		return name + " (" + maker + " OEM)"
	}
	return ""
}
