// Package httpapi implements the node's HTTP admin surface (spec.md §6):
// cluster bootstrap and membership endpoints plus a metrics and ping
// check. Grounded directly on nireo-dcache/http/http.go's
// github.com/valyala/fasthttp usage, generalized from its single "one path
// = one key" KV handler into a small router keyed on ctx.Path().
package httpapi

import (
	"crypto/subtle"

	"github.com/hashicorp/raft"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	raftsqlerrors "github.com/nireo/raftsql/errors"
	"github.com/nireo/raftsql/raftnode"
	"github.com/nireo/raftsql/wire"
)

// Server is the fasthttp handler bound to one node's raftnode.Node.
type Server struct {
	node      *raftnode.Node
	apiSecret string
	logger    *zap.Logger
}

// New builds a Server guarded by the shared API secret (spec.md §6's
// X-API-Secret header check).
func New(node *raftnode.Node, apiSecret string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{node: node, apiSecret: apiSecret, logger: logger.Named("httpapi")}
}

// Handler is the fasthttp.RequestHandler to pass to fasthttp.Serve, the
// same role nireo-dcache/http/http.go's Server.Handler plays.
func (s *Server) Handler(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	if subtle.ConstantTimeCompare(ctx.Request.Header.Peek("X-API-Secret"), []byte(s.apiSecret)) != 1 {
		ctx.Error("unauthorized", fasthttp.StatusUnauthorized)
		return
	}

	switch path {
	case "/ping":
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("pong")
	case "/cluster/init":
		s.handleInit(ctx)
	case "/cluster/add_learner":
		s.handleAddLearner(ctx)
	case "/cluster/become_member":
		s.handleBecomeMember(ctx)
	case "/cluster/membership":
		s.handleMembership(ctx)
	case "/cluster/metrics":
		s.handleMetrics(ctx)
	default:
		ctx.Error("not found", fasthttp.StatusNotFound)
	}
}

func (s *Server) handleInit(ctx *fasthttp.RequestCtx) {
	if !ctx.IsPost() {
		ctx.Error("method not allowed", fasthttp.StatusMethodNotAllowed)
		return
	}
	// Bootstrap is performed at construction time (raftnode.New's
	// conf.Bootstrap); this endpoint reports whether it already happened.
	if _, err := s.node.Membership(); err != nil {
		ctx.Error("cluster not initialized: "+err.Error(), fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
}

func (s *Server) handleAddLearner(ctx *fasthttp.RequestCtx) {
	if !ctx.IsPost() {
		ctx.Error("method not allowed", fasthttp.StatusMethodNotAllowed)
		return
	}
	id, addr, err := parseNodeBody(ctx.PostBody())
	if err != nil {
		ctx.Error(err.Error(), fasthttp.StatusBadRequest)
		return
	}
	if err := s.node.AddLearner(id, addr); err != nil {
		s.writeErr(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
}

func (s *Server) handleBecomeMember(ctx *fasthttp.RequestCtx) {
	if !ctx.IsPost() {
		ctx.Error("method not allowed", fasthttp.StatusMethodNotAllowed)
		return
	}
	id, addr, err := parseNodeBody(ctx.PostBody())
	if err != nil {
		ctx.Error(err.Error(), fasthttp.StatusBadRequest)
		return
	}
	if err := s.node.BecomeMember(id, addr); err != nil {
		s.writeErr(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
}

func (s *Server) handleMembership(ctx *fasthttp.RequestCtx) {
	if ctx.IsPost() {
		id, _, err := parseNodeBody(ctx.PostBody())
		if err != nil {
			ctx.Error(err.Error(), fasthttp.StatusBadRequest)
			return
		}
		if err := s.node.ChangeMembership(id); err != nil {
			s.writeErr(ctx, err)
			return
		}
		ctx.SetStatusCode(fasthttp.StatusOK)
		return
	}

	servers, err := s.node.Membership()
	if err != nil {
		s.writeErr(ctx, err)
		return
	}
	ctx.SetBody(encodeMembership(servers))
	ctx.SetStatusCode(fasthttp.StatusOK)
}

func (s *Server) handleMetrics(ctx *fasthttp.RequestCtx) {
	leader := "none"
	if s.node.IsLeader() {
		leader = "self"
	} else if addr := s.node.LeaderAddr(); addr != "" {
		leader = string(addr)
	}
	ctx.SetContentType("text/plain; charset=utf-8")
	ctx.SetBodyString("raftsql_leader{node=\"" + leader + "\"} 1\n")
}

func (s *Server) writeErr(ctx *fasthttp.RequestCtx, err error) {
	if leader, ok := raftsqlerrors.AsLeader(err); ok {
		ctx.SetStatusCode(fasthttp.StatusTemporaryRedirect)
		ctx.Response.Header.Set("X-Leader-Addr", leader.Addr)
		ctx.SetBodyString(err.Error())
		return
	}
	ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
}

// parseNodeBody decodes a "<id>@<addr>" body, the same minimal convention
// registry-driven joins in the pack use for node identity + address pairs.
func parseNodeBody(body []byte) (raft.ServerID, raft.ServerAddress, error) {
	s := string(body)
	for i := 0; i < len(s); i++ {
		if s[i] == '@' {
			return raft.ServerID(s[:i]), raft.ServerAddress(s[i+1:]), nil
		}
	}
	return "", "", raftsqlerrors.Request("malformed node body, expected id@addr")
}

func encodeMembership(servers []raft.Server) []byte {
	infos := make([]wire.ServerInfo, 0, len(servers))
	for _, srv := range servers {
		infos = append(infos, wire.ServerInfo{ID: string(srv.ID), Addr: string(srv.Address)})
	}
	return wire.EncodeServers(infos)
}
