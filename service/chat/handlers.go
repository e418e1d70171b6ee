package chat

import (
	"context"

	"orgchat/module/chat/delivery"
	"orgchat/tools/errs"
)

func (s *Server) registerHandlers() {
	s.disp.Register(FrameSendMessage, s.onSendMessage)
	s.disp.Register(FrameMarkMessagesRead, s.onMarkRead)
	s.disp.Register(FrameJoinConversation, s.onJoin)
	s.disp.Register(FrameLeaveConversation, s.onLeave)
	s.disp.Register(FrameTypingStart, s.onTypingStart)
	s.disp.Register(FrameTypingStop, s.onTypingStop)
	s.disp.Register(FrameHeartbeat, s.onHeartbeat)
	s.disp.Register(FrameAuthenticate, func(context.Context, *Session, *Frame) error {
		return errs.ErrArgs.WrapMsg("already authenticated")
	})
}

// 确认帧和投递由 pipeline 推送
func (s *Server) onSendMessage(ctx context.Context, sess *Session, f *Frame) error {
	req, err := decodeData[delivery.SendRequest](f)
	if err != nil {
		return err
	}
	_, err = s.pipe.Send(ctx, sess.Identity, *req)
	return err
}

func (s *Server) onMarkRead(ctx context.Context, sess *Session, f *Frame) error {
	p, err := decodeData[MarkReadPayload](f)
	if err != nil {
		return err
	}
	if p.ChatID == "" {
		return errs.ErrArgs.WrapMsg("chatId required")
	}
	_, err = s.pipe.MarkRead(ctx, sess.Identity, p.ChatID, p.MessageIDs)
	return err
}

func (s *Server) onJoin(ctx context.Context, sess *Session, f *Frame) error {
	p, err := decodeData[ChatRef](f)
	if err != nil {
		return err
	}
	return s.coord.JoinRoom(ctx, sess.Identity, p.ChatID)
}

func (s *Server) onLeave(_ context.Context, sess *Session, f *Frame) error {
	p, err := decodeData[ChatRef](f)
	if err != nil {
		return err
	}
	s.coord.LeaveRoom(sess.Identity, p.ChatID)
	return nil
}

func (s *Server) onTypingStart(ctx context.Context, sess *Session, f *Frame) error {
	p, err := decodeData[TypingPayload](f)
	if err != nil {
		return err
	}
	name := p.DisplayName
	if name == "" {
		name = sess.Identity.DisplayName
	}
	s.coord.TypingStart(ctx, sess.Identity, p.ChatID, name)
	return nil
}

func (s *Server) onTypingStop(ctx context.Context, sess *Session, f *Frame) error {
	p, err := decodeData[ChatRef](f)
	if err != nil {
		return err
	}
	s.coord.TypingStop(ctx, sess.Identity, p.ChatID)
	return nil
}

func (s *Server) onHeartbeat(ctx context.Context, sess *Session, _ *Frame) error {
	s.reg.Touch(ctx, sess.Identity.UserID)
	return nil
}
