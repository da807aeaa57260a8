package cloudlog

import (
	"bytes"
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/books_sync/models"
)

const (
	eventPrefix = "event_"
	jsonSuffix  = ".json"

	// EventTimeLayout is the timestamp segment of an event object name.
	EventTimeLayout = "2006-01-02T15:04:05.000Z"
)

// SnapshotFileNames maps each entity to its fixed snapshot object name.
var SnapshotFileNames = map[models.Entity]string{
	models.EntityProduct:  "products.json",
	models.EntityCustomer: "customers.json",
	models.EntityExpense:  "expenses.json",
	models.EntityInvoice:  "invoices.json",
}

// EventFileName is event_<ISO8601>_<KIND>_<eventId>.json. Names sort in
// creation order.
func EventFileName(env models.Envelope) string {
	return fmt.Sprintf("%s%s_%s_%s%s",
		eventPrefix,
		env.CreatedAt.UTC().Format(EventTimeLayout),
		env.Type,
		env.EventId,
		jsonSuffix,
	)
}

// EventIdFromName returns the event id suffix of an event object name.
func EventIdFromName(name string) (string, bool) {
	if !strings.HasPrefix(name, eventPrefix) || !strings.HasSuffix(name, jsonSuffix) {
		return "", false
	}
	stem := strings.TrimSuffix(name, jsonSuffix)
	i := strings.LastIndex(stem, "_")
	if i < len(eventPrefix) || i == len(stem)-1 {
		return "", false
	}
	return stem[i+1:], true
}

// CleanBody strips transport artifacts around a JSON object, such as leaked
// multipart headers, by keeping the span from the first '{' to the last '}'.
func CleanBody(body []byte) []byte {
	start := bytes.IndexByte(body, '{')
	end := bytes.LastIndexByte(body, '}')
	if start < 0 || end < start {
		return nil
	}
	return body[start : end+1]
}

// CleanArray is CleanBody for snapshot files, which hold a JSON array.
func CleanArray(body []byte) []byte {
	start := bytes.IndexByte(body, '[')
	end := bytes.LastIndexByte(body, ']')
	if start < 0 || end < start {
		return nil
	}
	return body[start : end+1]
}
