package virtual

import (
	"sort"
	"strings"

	"bambu-farm/internal/ssdp"
)

// VirtualSerial is the fixed serial every emulated printer reports. The TLS
// identity is keyed on it, so changing model keeps the same certificate.
const VirtualSerial = "00M09A" + ssdp.VirtualSerialSuffix

// modelCodes maps marketing names to the codes sent in DevModel.bambu.com.
var modelCodes = map[string]string{
	"X1C":     "BL-P001",
	"X1":      "BL-P002",
	"X1E":     "C13",
	"P1P":     "C11",
	"P1S":     "C12",
	"A1 mini": "N1",
	"A1":      "N2S",
	"H2D":     "O1D",
}

// ModelCode resolves a model name or code to its SSDP code.
func ModelCode(model string) (string, bool) {
	for name, code := range modelCodes {
		if strings.EqualFold(model, name) || strings.EqualFold(model, code) {
			return code, true
		}
	}
	return "", false
}

// ModelNames lists the supported model names.
func ModelNames() []string {
	names := make([]string, 0, len(modelCodes))
	for name := range modelCodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
