package services

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
)

func field(name string, num int32, typ descriptorpb.FieldDescriptorProto_Type, repeated bool, typeName string) *descriptorpb.FieldDescriptorProto {
	label := descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL
	if repeated {
		label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED
	}
	f := &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(num),
		Label:  label.Enum(),
		Type:   typ.Enum(),
	}
	if typeName != "" {
		f.TypeName = proto.String(typeName)
	}
	return f
}

func str(name string, num int32) *descriptorpb.FieldDescriptorProto {
	return field(name, num, descriptorpb.FieldDescriptorProto_TYPE_STRING, false, "")
}

func message(name string, fields ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{Name: proto.String(name), Field: fields}
}

func method(name, in, out string) *descriptorpb.MethodDescriptorProto {
	return &descriptorpb.MethodDescriptorProto{Name: proto.String(name), InputType: proto.String(in), OutputType: proto.String(out)}
}

var (
	messageType = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE
	uint32Type  = descriptorpb.FieldDescriptorProto_TYPE_UINT32
)

// mlFeedFile describes ml_feed.proto.
var mlFeedFile = &descriptorpb.FileDescriptorProto{
	Name:    proto.String("ml_feed.proto"),
	Package: proto.String("ml_feed"),
	Syntax:  proto.String("proto3"),
	MessageType: []*descriptorpb.DescriptorProto{
		message("PostItem",
			str("canister_id", 1),
			field("post_id", 2, uint32Type, false, ""),
			str("video_id", 3),
		),
		message("FeedRequest",
			str("canister_id", 1),
			field("filter_posts", 2, messageType, true, ".ml_feed.PostItem"),
			field("num_results", 3, uint32Type, false, ""),
		),
		message("FeedResponse",
			field("feed", 1, messageType, true, ".ml_feed.PostItem"),
		),
	},
	Service: []*descriptorpb.ServiceDescriptorProto{{
		Name: proto.String("MLFeed"),
		Method: []*descriptorpb.MethodDescriptorProto{
			method("get_feed_clean", ".ml_feed.FeedRequest", ".ml_feed.FeedResponse"),
			method("get_feed_nsfw", ".ml_feed.FeedRequest", ".ml_feed.FeedResponse"),
		},
	}},
}

// searchFile describes search.proto.
var searchFile = &descriptorpb.FileDescriptorProto{
	Name:    proto.String("search.proto"),
	Package: proto.String("search"),
	Syntax:  proto.String("proto3"),
	MessageType: []*descriptorpb.DescriptorProto{
		message("SearchRequest", str("input_query", 1)),
		message("SearchItem",
			str("canister_id", 1),
			str("description", 2),
			str("host", 3),
			str("link", 4),
			str("logo", 5),
			str("token_name", 6),
			str("token_symbol", 7),
			str("user_id", 8),
			str("created_at", 9),
		),
		message("SearchResponse", field("items", 1, messageType, true, ".search.SearchItem")),
	},
	Service: []*descriptorpb.ServiceDescriptorProto{{
		Name:   proto.String("SearchService"),
		Method: []*descriptorpb.MethodDescriptorProto{method("SearchV1", ".search.SearchRequest", ".search.SearchResponse")},
	}},
}

// Service is a known remote service.
type Service struct {
	Name string
	Desc protoreflect.ServiceDescriptor
	// ListField names the repeated response field holding the items.
	ListField string
}

// Method returns the descriptor for name, or nil.
func (s *Service) Method(name string) protoreflect.MethodDescriptor {
	return s.Desc.Methods().ByName(protoreflect.Name(name))
}

// FullMethod is the gRPC path of m.
func FullMethod(m protoreflect.MethodDescriptor) string {
	return fmt.Sprintf("/%s/%s", m.Parent().FullName(), m.Name())
}

func mustService(fd *descriptorpb.FileDescriptorProto, name, listField string) *Service {
	file, err := protodesc.NewFile(fd, nil)
	if err != nil {
		panic(fmt.Sprintf("services: invalid descriptor %s: %v", fd.GetName(), err))
	}
	sd := file.Services().Get(0)
	return &Service{Name: name, Desc: sd, ListField: listField}
}

// Known maps the service names scenarios use to their descriptors.
var Known = map[string]*Service{
	"feed":   mustService(mlFeedFile, "feed", "feed"),
	"search": mustService(searchFile, "search", "items"),
}
