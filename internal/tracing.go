package internal

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan 启动一个新的跟踪span
// 参数:
//   - ctx: context.Context 上下文
//   - name: string span名称
//   - opts: ...trace.SpanStartOption span启动选项
//
// 返回值:
//   - context.Context 新的上下文
//   - trace.Span 新创建的span
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer("dep2p-stordht").Start(ctx, fmt.Sprintf("StorageDHT.%s", name), opts...)
}

// KeyAsAttribute 将密钥空间标识符格式化为跟踪属性
// 参数:
//   - name: string 属性名称
//   - key: fmt.Stringer 标识符
//
// 返回值:
//   - attribute.KeyValue 格式化后的跟踪属性
func KeyAsAttribute(name string, key fmt.Stringer) attribute.KeyValue {
	return attribute.String(name, key.String())
}
