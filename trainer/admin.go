package trainer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"asyntrain/params"

	"github.com/gin-gonic/gin"
	"github.com/improbable-eng/grpc-web/go/grpcweb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// AdminServer is the gRPC admin service. Requests and replies use the well
// known Empty and Struct messages, so no generated code is needed.
type AdminServer interface {
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Save(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Gradient(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Quit(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

const adminServiceName = "asyntrain.Admin"

func adminHandler(method string, call func(AdminServer, context.Context, *emptypb.Empty) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(emptypb.Empty)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AdminServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + adminServiceName + "/" + method,
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(AdminServer), ctx, req.(*emptypb.Empty))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: adminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		adminHandler("Status", AdminServer.Status),
		adminHandler("Save", AdminServer.Save),
		adminHandler("Gradient", AdminServer.Gradient),
		adminHandler("Quit", AdminServer.Quit),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "asyntrain/admin",
}

func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&AdminServiceDesc, srv)
}

// AdminClient calls the admin service of a running coordinator.
type AdminClient struct {
	cc grpc.ClientConnInterface
}

func NewAdminClient(cc grpc.ClientConnInterface) *AdminClient {
	return &AdminClient{cc: cc}
}

// Call invokes one admin method by name: Status, Save, Gradient or Quit.
func (a *AdminClient) Call(ctx context.Context, method string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	err := a.cc.Invoke(ctx, "/"+adminServiceName+"/"+method, new(emptypb.Empty), out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// adminService adapts Coord.Do to AdminServer.
type adminService struct {
	c *Coord
}

func (s *adminService) do(ctx context.Context, op string) (*structpb.Struct, error) {
	st, grad, err := s.c.Do(ctx, op)
	if err != nil {
		if errors.Is(err, ErrShutdown) {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	fields := st.asMap()
	if op == OP_GRAD {
		fields["gradient"] = gradientMap(grad)
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *adminService) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return s.do(ctx, OP_STATUS)
}

func (s *adminService) Save(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return s.do(ctx, OP_SAVE)
}

func (s *adminService) Gradient(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return s.do(ctx, OP_GRAD)
}

func (s *adminService) Quit(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return s.do(ctx, OP_QUIT)
}

func gradientMap(g *params.Vector) map[string]interface{} {
	if g == nil {
		return nil
	}
	m := make(map[string]interface{}, len(g.Tensors))
	for _, t := range g.Tensors {
		values := make([]interface{}, len(t.Data))
		for i, x := range t.Data {
			values[i] = float64(x)
		}
		m[t.Name] = values
	}
	return m
}

type grpcMultiplexer struct {
	*grpcweb.WrappedGrpcServer
}

// Handler is used to route requests to either grpc or to regular http
func (m *grpcMultiplexer) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			if m.IsGrpcWebRequest(r) {
				m.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		},
	)
}

func (c *Coord) adminRequest(ctx *gin.Context, op string) {
	st, grad, err := c.Do(ctx.Request.Context(), op)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, ErrShutdown) {
			code = http.StatusServiceUnavailable
		}
		ctx.JSON(code, gin.H{"error": err.Error(), "status": st.asMap()})
		return
	}
	body := gin.H{"status": st.asMap()}
	if op == OP_GRAD {
		body["gradient"] = gradientMap(grad)
	}
	ctx.JSON(http.StatusOK, body)
}

func (c *Coord) GetStatus(ctx *gin.Context)      { c.adminRequest(ctx, OP_STATUS) }
func (c *Coord) PostCheckpoint(ctx *gin.Context) { c.adminRequest(ctx, OP_SAVE) }
func (c *Coord) GetGradient(ctx *gin.Context)    { c.adminRequest(ctx, OP_GRAD) }
func (c *Coord) PostQuit(ctx *gin.Context)       { c.adminRequest(ctx, OP_QUIT) }

func (c *Coord) router() *gin.Engine {
	router := gin.New()
	router.Use(gin.LoggerWithWriter(log.Writer()), gin.Recovery())
	externalAPI := router.Group("/api")
	{
		externalAPI.GET("/status", c.GetStatus)
		externalAPI.POST("/checkpoint", c.PostCheckpoint)
		externalAPI.GET("/gradient", c.GetGradient)
		externalAPI.POST("/quit", c.PostQuit)
	}
	return router
}

// listenAdmin starts the gRPC admin service and the HTTP API when their
// addresses are configured. gRPC-web calls on the HTTP port are forwarded to
// the gRPC server.
func (c *Coord) listenAdmin() error {
	if c.config.AdminAPIListenAddr == "" && c.config.ExternalAPIListenAddr == "" {
		return nil
	}
	c.grpcServer = grpc.NewServer()
	RegisterAdminServer(c.grpcServer, &adminService{c: c})

	if c.config.AdminAPIListenAddr != "" {
		lis, err := net.Listen("tcp", c.config.AdminAPIListenAddr)
		if err != nil {
			log.Printf("listenAdmin: Error listening: %v\n", err)
			return err
		}
		c.adminListener = lis
		log.Printf("listenAdmin: Listening for admin clients at %v\n", lis.Addr())
		c.listeners.Go(func() error {
			if err := c.grpcServer.Serve(lis); err != nil {
				err = fmt.Errorf("admin listener: %w", err)
				c.reportFatal(err)
				return err
			}
			return nil
		})
	}

	if c.config.ExternalAPIListenAddr != "" {
		lis, err := net.Listen("tcp", c.config.ExternalAPIListenAddr)
		if err != nil {
			log.Printf("listenExternalRequests: Error listening: %v\n", err)
			return err
		}
		c.httpListener = lis
		multiplex := grpcMultiplexer{grpcweb.WrapServer(c.grpcServer)}
		c.httpServer = &http.Server{
			Handler:      multiplex.Handler(c.router()),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		log.Printf("listenExternalRequests: Listening on %v\n", lis.Addr())
		c.listeners.Go(func() error {
			if err := c.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				err = fmt.Errorf("external listener: %w", err)
				c.reportFatal(err)
				return err
			}
			return nil
		})
	}
	return nil
}

const adminStopTimeout = 5 * time.Second

// stopAdmin lets in-flight admin calls finish, so a quit request still gets
// its reply.
func (c *Coord) stopAdmin() {
	if c.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), adminStopTimeout)
		if err := c.httpServer.Shutdown(ctx); err != nil {
			log.Printf("stopAdmin: HTTP shutdown: %v\n", err)
			c.httpServer.Close()
		}
		cancel()
	}
	if c.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			c.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(adminStopTimeout):
			c.grpcServer.Stop()
		}
	}
}

// AdminAddr is the gRPC admin address, empty when disabled.
func (c *Coord) AdminAddr() string {
	if c.adminListener == nil {
		return ""
	}
	return c.adminListener.Addr().String()
}

// HTTPAddr is the HTTP API address, empty when disabled.
func (c *Coord) HTTPAddr() string {
	if c.httpListener == nil {
		return ""
	}
	return c.httpListener.Addr().String()
}
