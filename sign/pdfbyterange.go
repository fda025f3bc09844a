package sign

import (
	"fmt"
	"strings"
)

// updateByteRange computes the final ByteRange and writes it over the
// placeholder. Part one runs from the file start to the first Contents hex
// digit; part two from the byte after the hole to the end of the update, so
// only the hex digits themselves are uncovered.
func (context *SignContext) updateByteRange() error {
	totalSize := context.currentOffset()

	context.byteRangeValues = []int64{
		0,
		context.sigContentsStart,
		context.sigContentsStart + int64(context.sigMaxLength),
		0,
	}
	context.byteRangeValues[3] = totalSize - context.byteRangeValues[2]

	byteRange := fmt.Sprintf("/ByteRange[%d %d %d %d]",
		context.byteRangeValues[0], context.byteRangeValues[1],
		context.byteRangeValues[2], context.byteRangeValues[3])

	if len(byteRange) > len(signatureByteRangePlaceholder) {
		return fmt.Errorf("byte range %q exceeds placeholder", byteRange)
	}

	// Pad to the placeholder length so no offset after it shifts.
	byteRange += strings.Repeat(" ", len(signatureByteRangePlaceholder)-len(byteRange))

	fileContent := context.OutputBuffer.Buff.Bytes()
	copy(fileContent[context.byteRangeStart:], byteRange)

	return nil
}
