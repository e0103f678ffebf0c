package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	xerrors "ZeeWorkflow/internal/errors"
	"ZeeWorkflow/internal/llm"
)

// Client 通过调用 Python 脚本实现大模型推理。
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
}

var _ llm.Client = (*Client)(nil)

// NewClient 创建 Python Bridge 客户端。
func NewClient(pythonExec, scriptPath, workingDir string) (*Client, error) {
	if scriptPath == "" {
		return nil, xerrors.New(xerrors.CodeInvalidConfig, "未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{
		pythonExec: pythonExec,
		scriptPath: scriptPath,
		workingDir: workingDir,
	}, nil
}

type bridgeRequest struct {
	Messages       []llm.Message   `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`
	Timestamp      int64           `json:"timestamp"`
}

type bridgeResponse struct {
	Content string          `json:"content"`
	Object  json.RawMessage `json:"object,omitempty"`
}

// Generate 把对话写入脚本的标准输入，并从标准输出读取回复。脚本不支持工具调用。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload := bridgeRequest{
		Messages:    req.Messages,
		Temperature: req.Temperature,
		Timestamp:   time.Now().Unix(),
	}
	if req.Format != nil && req.Format.Schema != nil {
		schema, err := json.Marshal(req.Format.Schema)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化响应 Schema 失败")
		}
		payload.ResponseFormat = schema
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化请求失败")
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if stdErrors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, xerrors.Wrap(xerrors.CodeTimeout, ctxErr, "Python 脚本执行超时")
			}
			return nil, xerrors.Wrap(xerrors.CodeCanceled, ctxErr, "Python 脚本执行被取消")
		}
		return nil, xerrors.Wrap(llm.CodeProviderUnavailable, err,
			fmt.Sprintf("执行 Python 脚本失败, stderr=%s", strings.TrimSpace(stderr.String())))
	}

	var resp bridgeResponse
	if err := llm.UnmarshalJSON(bytes.TrimSpace(stdout.Bytes()), &resp); err != nil {
		return nil, xerrors.Wrap(llm.CodeProviderRejected, err, "解析 Python 输出失败")
	}
	if strings.TrimSpace(resp.Content) == "" && len(resp.Object) == 0 {
		return nil, xerrors.New(llm.CodeEmptyCompletion, "Python 脚本返回内容为空")
	}

	return &llm.Response{
		Content:      strings.TrimSpace(resp.Content),
		Object:       resp.Object,
		FinishReason: "stop",
	}, nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) {
		return script
	}
	if baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}
