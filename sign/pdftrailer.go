package sign

import (
	"encoding/hex"
	"fmt"
)

// writeTrailer appends a fresh trailer dictionary for the incremental
// update: new /Size and /Root, /Prev pointing at the previous xref section,
// the document /ID and /Info carried over when present.
func (context *SignContext) writeTrailer() error {
	if _, err := context.OutputBuffer.Write([]byte("trailer\n<<\n")); err != nil {
		return err
	}

	size := context.PDFReader.XrefInformation.ItemCount + int64(len(context.newXrefEntries))
	if _, err := fmt.Fprintf(context.OutputBuffer, "  /Size %d\n", size); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(context.OutputBuffer, "  /Root %d 0 R\n", context.catalog.objectID); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(context.OutputBuffer, "  /Prev %d\n", context.PDFReader.XrefInformation.StartPos); err != nil {
		return err
	}

	trailer := context.PDFReader.Trailer()
	if info := trailer.Key("Info"); !info.IsNull() {
		if ptr := info.GetPtr(); ptr.GetID() != 0 {
			if _, err := fmt.Fprintf(context.OutputBuffer, "  /Info %d %d R\n", ptr.GetID(), ptr.GetGen()); err != nil {
				return err
			}
		}
	}
	if id := trailer.Key("ID"); !id.IsNull() {
		id0 := hex.EncodeToString([]byte(id.Index(0).RawString()))
		id1 := hex.EncodeToString([]byte(id.Index(1).RawString()))
		if _, err := fmt.Fprintf(context.OutputBuffer, "  /ID [<%s><%s>]\n", id0, id1); err != nil {
			return err
		}
	}

	if _, err := context.OutputBuffer.Write([]byte(">>\n")); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(context.OutputBuffer, "startxref\n%d\n", context.newXrefStart); err != nil {
		return err
	}
	if _, err := context.OutputBuffer.Write([]byte("%%EOF\n")); err != nil {
		return err
	}

	return nil
}
