package imaging

import (
	"bytes"
	"errors"
	"time"

	"github.com/rwcarlsen/goexif/exif"
)

// EXIF datetime layout, e.g. "2021:01:02 15:04:05".
const exifTimeLayout = "2006:01:02 15:04:05"

// Tag priority mirrors what cameras populate most reliably.
var exifTimeTags = []exif.FieldName{
	exif.DateTimeOriginal,
	exif.DateTime,
	exif.DateTimeDigitized,
}

var errNoTimestamp = errors.New("no parsable exif timestamp")

func exifTimestamp(data []byte) (time.Time, error) {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return time.Time{}, err
	}

	for _, name := range exifTimeTags {
		tag, err := x.Get(name)
		if err != nil {
			continue
		}
		value, err := tag.StringVal()
		if err != nil {
			continue
		}
		if ts, err := parseExifTime(value); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, errNoTimestamp
}

func parseExifTime(value string) (time.Time, error) {
	return time.ParseInLocation(exifTimeLayout, value, time.Local)
}
