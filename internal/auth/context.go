package auth

import (
	"context"
	"strings"

	xerrors "ShadowStream/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// callerKey 是上下文中存储签名地址的键类型。
type callerKey struct{}

// principalKey 是上下文中存储 Agent 主体的键类型。
type principalKey struct{}

// WithCaller 将验签得到的调用方地址写入上下文。
func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext 返回经过签名验证的调用方地址。
func CallerFromContext(ctx context.Context) (common.Address, bool) {
	if ctx == nil {
		return common.Address{}, false
	}
	caller, ok := ctx.Value(callerKey{}).(common.Address)
	return caller, ok
}

// WithPrincipal 将解析后的 Agent 主体写入上下文。
func WithPrincipal(ctx context.Context, principal *Principal) context.Context {
	if principal == nil {
		return ctx
	}
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFromContext 返回 Authenticate 中间件解析出的 Agent 主体。
func PrincipalFromContext(ctx context.Context) *Principal {
	if ctx == nil {
		return nil
	}
	principal, _ := ctx.Value(principalKey{}).(*Principal)
	return principal
}

// RequireCaller 返回请求的操作地址。claimed 是请求头或请求体声明的地址，
// 必须与签名地址一致；为空时直接使用签名地址。
func RequireCaller(ctx context.Context, claimed string) (common.Address, error) {
	caller, ok := CallerFromContext(ctx)
	if !ok {
		return common.Address{}, ErrMissingSignature
	}
	claimed = strings.TrimSpace(claimed)
	if claimed == "" {
		return caller, nil
	}
	if !common.IsHexAddress(claimed) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "acting address is not a valid address")
	}
	if common.HexToAddress(claimed) != caller {
		return common.Address{}, ErrCallerMismatch.With(
			xerrors.WithMetadata("signer", caller.Hex()),
			xerrors.WithMetadata("claimed", common.HexToAddress(claimed).Hex()),
		)
	}
	return caller, nil
}
