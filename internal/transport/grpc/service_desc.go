package grpc

import (
	"context"

	grpclib "google.golang.org/grpc"
)

const serviceName = "garage.v1.AppointmentsService"

// changeStream is the server side of WatchAppointments.
type changeStream interface {
	Send(*ChangeEvent) error
	Context() context.Context
}

type watchStream struct {
	grpclib.ServerStream
}

func (w watchStream) Send(ev *ChangeEvent) error {
	return w.ServerStream.SendMsg(ev)
}

// Register installs the appointments service on s. The server must use the
// JSON codec, see Codec.
func Register(s grpclib.ServiceRegistrar, srv *AppointmentsServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes garage.v1.AppointmentsService.
var ServiceDesc = grpclib.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpclib.MethodDesc{
		unary("CreateAppointment", (*AppointmentsServer).CreateAppointment),
		unary("UpdateAppointment", (*AppointmentsServer).UpdateAppointment),
		unary("TransitionAppointment", (*AppointmentsServer).TransitionAppointment),
		unary("DeleteAppointment", (*AppointmentsServer).DeleteAppointment),
		unary("GetAppointment", (*AppointmentsServer).GetAppointment),
		unary("ListAppointments", (*AppointmentsServer).ListAppointments),
		unary("AvailableSlots", (*AppointmentsServer).AvailableSlots),
		unary("GetCapacity", (*AppointmentsServer).GetCapacity),
	},
	Streams: []grpclib.StreamDesc{
		{
			StreamName:    "WatchAppointments",
			ServerStreams: true,
			Handler: func(srv any, stream grpclib.ServerStream) error {
				req := new(WatchAppointmentsRequest)
				if err := stream.RecvMsg(req); err != nil {
					return err
				}
				return srv.(*AppointmentsServer).WatchAppointments(req, watchStream{stream})
			},
		},
	},
	Metadata: "garage/v1/appointments.proto",
}

func unary[Req, Resp any](name string, call func(*AppointmentsServer, context.Context, *Req) (*Resp, error)) grpclib.MethodDesc {
	return grpclib.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpclib.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(*AppointmentsServer), ctx, req)
			}
			info := &grpclib.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + serviceName + "/" + name,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(*AppointmentsServer), ctx, req.(*Req))
			}
			return interceptor(ctx, req, info, handler)
		},
	}
}
