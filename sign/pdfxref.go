package sign

import (
	"fmt"
)

// writeXrefTable appends the incremental cross-reference table for the newly
// added objects. The new objects carry consecutive IDs, so a single
// subsection covers them all.
func (context *SignContext) writeXrefTable() error {
	context.newXrefStart = context.currentOffset()

	if _, err := context.OutputBuffer.Write([]byte("xref\n")); err != nil {
		return fmt.Errorf("write xref header: %w", err)
	}

	if len(context.newXrefEntries) == 0 {
		return nil
	}

	subsection := fmt.Sprintf("%d %d\n", context.newXrefEntries[0].ID, len(context.newXrefEntries))
	if _, err := context.OutputBuffer.Write([]byte(subsection)); err != nil {
		return fmt.Errorf("write xref subsection header: %w", err)
	}

	for _, entry := range context.newXrefEntries {
		line := fmt.Sprintf("%010d 00000 n\r\n", entry.Offset)
		if _, err := context.OutputBuffer.Write([]byte(line)); err != nil {
			return fmt.Errorf("write xref entry: %w", err)
		}
	}

	return nil
}
