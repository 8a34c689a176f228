package console

import (
	"context"
	"strings"

	"google.golang.org/grpc/metadata"

	"github.com/vladislavdragonenkov/fuelops/internal/domain"
)

// UserIDHeader несёт идентификатор заправщика в metadata вызова.
const UserIDHeader = "x-user-id"

// MetadataSession берёт пользователя из входящей gRPC metadata.
type MetadataSession struct{}

func (MetadataSession) CurrentUserID(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", domain.ErrUserRequired
	}
	values := md.Get(UserIDHeader)
	if len(values) == 0 || strings.TrimSpace(values[0]) == "" {
		return "", domain.ErrUserRequired
	}
	return strings.TrimSpace(values[0]), nil
}

// WithUser добавляет x-user-id в исходящий контекст клиента.
func WithUser(ctx context.Context, userID string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, UserIDHeader, userID)
}

var _ domain.SessionProvider = MetadataSession{}
