package sign

import (
	"fmt"
	"strconv"
	"strings"
)

// createSignatureWidget renders the invisible widget annotation that carries
// the signature field. The zero rect keeps it off the page; the field name
// comes from the request so sequential signers never collide.
func (context *SignContext) createSignatureWidget() ([]byte, error) {
	var builder strings.Builder
	builder.WriteString("<< /Type /Annot")
	builder.WriteString(" /Subtype /Widget")
	builder.WriteString(" /Rect [0 0 0 0]")

	root := context.PDFReader.Trailer().Key("Root")
	foundPages := false
	for _, key := range root.Keys() {
		if key == "Pages" {
			foundPages = true
			break
		}
	}
	if !foundPages {
		return nil, fmt.Errorf("document catalog has no /Pages")
	}

	page := root.Key("Pages").Key("Kids").Index(0).GetPtr()
	builder.WriteString(" /P " + strconv.Itoa(int(page.GetID())) + " " + strconv.Itoa(int(page.GetGen())) + " R")

	builder.WriteString(" /F 4")
	builder.WriteString(" /FT /Sig")
	builder.WriteString(" /T " + pdfString(context.Request.FieldName))
	builder.WriteString(" /Ff 0")
	builder.WriteString(" /V " + strconv.Itoa(int(context.sigObjectID)) + " 0 R")

	builder.WriteString(" >>")

	return []byte(builder.String()), nil
}
