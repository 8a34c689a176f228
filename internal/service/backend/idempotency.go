package backend

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
)

// requestHash строит отпечаток запроса; повтор с тем же ключом и другим телом отклоняется.
func requestHash(req domain.RemoteRequest, body []byte) string {
	var b strings.Builder
	b.WriteString(req.OrderID)
	b.WriteByte(':')
	b.WriteString(string(req.Action))
	b.WriteByte(':')
	b.WriteString(req.WorkerID)
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(req.BaseChangeVersion, 10))
	if req.Payload != nil {
		b.WriteByte(':')
		b.WriteString(decimalKey(req.Payload.StartMeterReading))
		b.WriteByte(':')
		b.WriteString(decimalKey(req.Payload.EndMeterReading))
		b.WriteByte(':')
		b.WriteString(req.Payload.Notes)
	} else if len(body) > 0 {
		b.WriteByte(':')
		b.Write(body)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// decimalKey нормализует показание: "100" и "100.0" дают один отпечаток.
func decimalKey(d decimal.Decimal) string {
	return d.String()
}
