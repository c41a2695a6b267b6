// Package logx provides the process-wide structured logging facade.
//
// It wraps zerolog behind a small Logger value type so components receive a
// logger by value (cheap to copy, derive with With) while the Service owns
// sink configuration and supports live reconfiguration via Apply.
package logx
