package sign

import (
	"crypto"
	"encoding/asn1"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

func pdfString(text string) string {
	if !isASCII(text) {
		// UTF-16BE with BOM
		enc := unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewEncoder()
		res, _, err := transform.String(enc, text)
		if err != nil {
			panic(err)
		}
		return "(" + res + ")"
	}

	text = strings.ReplaceAll(text, "\\", "\\\\")
	text = strings.ReplaceAll(text, ")", "\\)")
	text = strings.ReplaceAll(text, "(", "\\(")
	text = strings.ReplaceAll(text, "\r", "\\r")
	return "(" + text + ")"
}

func pdfDateTime(date time.Time) string {
	// Calculate timezone offset from GMT.
	_, originalOffset := date.Zone()
	offset := originalOffset
	if offset < 0 {
		offset = -offset
	}

	offsetDuration := time.Duration(offset) * time.Second
	offsetHours := int(math.Floor(offsetDuration.Hours()))
	offsetMinutes := int(math.Floor(offsetDuration.Minutes()))
	offsetMinutes = offsetMinutes - (offsetHours * 60)

	dateString := "D:" + date.Format("20060102150405")

	// The PDF timezone suffix (+HH'mm') isn't expressible in a Go layout.
	if originalOffset < 0 {
		dateString += "-"
	} else {
		dateString += "+"
	}
	dateString += fmt.Sprintf("%02d'%02d'", offsetHours, offsetMinutes)

	return pdfString(dateString)
}

var hashOIDs = map[crypto.Hash]asn1.ObjectIdentifier{
	crypto.SHA1:   asn1.ObjectIdentifier([]int{1, 3, 14, 3, 2, 26}),
	crypto.SHA256: asn1.ObjectIdentifier([]int{2, 16, 840, 1, 101, 3, 4, 2, 1}),
	crypto.SHA384: asn1.ObjectIdentifier([]int{2, 16, 840, 1, 101, 3, 4, 2, 2}),
	crypto.SHA512: asn1.ObjectIdentifier([]int{2, 16, 840, 1, 101, 3, 4, 2, 3}),
}

func getOIDFromHashAlgorithm(target crypto.Hash) asn1.ObjectIdentifier {
	for hash, oid := range hashOIDs {
		if hash == target {
			return oid
		}
	}
	return nil
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > '\u007f' {
			return false
		}
	}
	return true
}
