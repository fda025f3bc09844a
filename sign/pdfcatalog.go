package sign

import (
	"fmt"
	"strconv"
	"strings"
)

// createCatalog renders the replacement document catalog. The AcroForm
// dictionary re-lists every existing field reference before appending the
// new signature widget, so earlier signature fields survive the update.
func (context *SignContext) createCatalog() ([]byte, error) {
	var builder strings.Builder
	builder.WriteString("<< /Type /Catalog")

	root := context.PDFReader.Trailer().Key("Root")
	rootPtr := root.GetPtr()
	context.catalog.rootString = fmt.Sprintf("%d %d R", rootPtr.GetID(), rootPtr.GetGen())

	foundPages, foundNames := false, false
	for _, key := range root.Keys() {
		switch key {
		case "Pages":
			foundPages = true
		case "Names":
			foundNames = true
		}
	}

	if !foundPages {
		return nil, fmt.Errorf("document catalog has no /Pages")
	}
	pages := root.Key("Pages").GetPtr()
	builder.WriteString(" /Pages " + strconv.Itoa(int(pages.GetID())) + " " + strconv.Itoa(int(pages.GetGen())) + " R")
	if foundNames {
		names := root.Key("Names").GetPtr()
		builder.WriteString(" /Names " + strconv.Itoa(int(names.GetID())) + " " + strconv.Itoa(int(names.GetGen())) + " R")
	}

	builder.WriteString(" /AcroForm << /Fields [")

	fields := root.Key("AcroForm").Key("Fields")
	for i := 0; i < fields.Len(); i++ {
		if i > 0 {
			builder.WriteString(" ")
		}
		ptr := fields.Index(i).GetPtr()
		builder.WriteString(strconv.Itoa(int(ptr.GetID())) + " " + strconv.Itoa(int(ptr.GetGen())) + " R")
	}
	if fields.Len() > 0 {
		builder.WriteString(" ")
	}
	builder.WriteString(strconv.Itoa(int(context.widgetObjectID)) + " 0 R")
	builder.WriteString("]")

	builder.WriteString(" /NeedAppearances false")

	// SigFlags 3: SignaturesExist + AppendOnly. Viewers warn before any full
	// rewrite that would break the signatures.
	builder.WriteString(" /SigFlags 3")

	builder.WriteString(" >>") // close AcroForm
	builder.WriteString(" >>") // close catalog

	return []byte(builder.String()), nil
}
